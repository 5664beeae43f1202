// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/docflow/core"
)

// recordVersion prefixes every encoded record.
const recordVersion = 1

// encoder runs twice over a record: once with a nil buffer to size it, then
// again to write into an exactly sized buffer.
type encoder struct {
	buf []byte
	n   int
}

func encode(fn func(e *encoder)) []byte {
	e := &encoder{}
	e.int(recordVersion)
	fn(e)
	e.buf = make([]byte, e.n)
	e.n = 0
	e.int(recordVersion)
	fn(e)
	return e.buf
}

func (e *encoder) str(v string) {
	if e.buf == nil {
		e.n += ord.String.Size(v)
		return
	}
	e.n += ord.String.Marshal(v, e.buf[e.n:])
}

func (e *encoder) i64(v int64) {
	if e.buf == nil {
		e.n += varint.Int64.Size(v)
		return
	}
	e.n += varint.Int64.Marshal(v, e.buf[e.n:])
}

func (e *encoder) int(v int) {
	e.i64(int64(v))
}

func (e *encoder) f64(v float64) {
	bits := math.Float64bits(v)
	if e.buf == nil {
		e.n += varint.Uint64.Size(bits)
		return
	}
	e.n += varint.Uint64.Marshal(bits, e.buf[e.n:])
}

func (e *encoder) boolean(v bool) {
	if e.buf == nil {
		e.n += ord.Bool.Size(v)
		return
	}
	e.n += ord.Bool.Marshal(v, e.buf[e.n:])
}

// Timestamps are stored as Unix microseconds; zero encodes the zero time.
func (e *encoder) time(t time.Time) {
	if t.IsZero() {
		e.i64(0)
		return
	}
	e.i64(t.UnixMicro())
}

func (e *encoder) strMap(m map[string]string) {
	e.int(len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		e.str(k)
		e.str(m[k])
	}
}

type decoder struct {
	buf []byte
	n   int
	err error
}

func decode(data []byte, fn func(d *decoder)) error {
	d := &decoder{buf: data}
	if v := d.int(); d.err == nil && v != recordVersion {
		return fmt.Errorf("%w: unsupported record version %d", ErrSerializationFailed, v)
	}
	fn(d)
	if d.err != nil {
		return fmt.Errorf("%w: %w", ErrSerializationFailed, d.err)
	}
	return nil
}

func (d *decoder) str() string {
	if d.err != nil {
		return ""
	}
	v, n, err := ord.String.Unmarshal(d.buf[d.n:])
	d.n += n
	d.err = err
	return v
}

func (d *decoder) i64() int64 {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Int64.Unmarshal(d.buf[d.n:])
	d.n += n
	d.err = err
	return v
}

func (d *decoder) int() int {
	return int(d.i64())
}

func (d *decoder) f64() float64 {
	if d.err != nil {
		return 0
	}
	bits, n, err := varint.Uint64.Unmarshal(d.buf[d.n:])
	d.n += n
	d.err = err
	return math.Float64frombits(bits)
}

func (d *decoder) boolean() bool {
	if d.err != nil {
		return false
	}
	v, n, err := ord.Bool.Unmarshal(d.buf[d.n:])
	d.n += n
	d.err = err
	return v
}

func (d *decoder) time() time.Time {
	micros := d.i64()
	if micros == 0 {
		return time.Time{}
	}
	return time.UnixMicro(micros).UTC()
}

func (d *decoder) strMap() map[string]string {
	count := d.int()
	if d.err != nil || count == 0 {
		return nil
	}
	if count < 0 || count > len(d.buf)-d.n {
		d.err = ErrTruncatedData
		return nil
	}
	m := make(map[string]string, count)
	for range count {
		k := d.str()
		v := d.str()
		if d.err != nil {
			return nil
		}
		m[k] = v
	}
	return m
}

// MarshalDocument serializes a Document to bytes.
func MarshalDocument(doc *core.Document) []byte {
	return encode(func(e *encoder) {
		e.str(doc.ID)
		e.str(doc.DatasetID)
		e.str(doc.Name)
		e.str(doc.Source)
		e.str(string(doc.Status))
		e.str(doc.Error)
		e.int(doc.RetryCount)
		e.time(doc.CreatedAt)
		e.time(doc.UpdatedAt)
		e.int(len(doc.Metadata))
		for _, stage := range slices.Sorted(maps.Keys(doc.Metadata)) {
			sm := doc.Metadata[stage]
			e.str(string(stage))
			e.int(sm.Progress)
			e.int(sm.RetryCount)
			e.str(sm.LastError)
			e.time(sm.StartedAt)
			e.time(sm.CompletedAt)
			e.int(sm.SegmentsCreated)
			e.int(sm.NodesCreated)
			e.int(sm.EdgesCreated)
			e.int(sm.EntitiesResolved)
			e.strMap(sm.Attrs)
		}
	})
}

// UnmarshalDocument deserializes a Document from bytes.
func UnmarshalDocument(data []byte) (*core.Document, error) {
	doc := &core.Document{}
	err := decode(data, func(d *decoder) {
		doc.ID = d.str()
		doc.DatasetID = d.str()
		doc.Name = d.str()
		doc.Source = d.str()
		doc.Status = core.DocumentStatus(d.str())
		doc.Error = d.str()
		doc.RetryCount = d.int()
		doc.CreatedAt = d.time()
		doc.UpdatedAt = d.time()
		count := d.int()
		doc.Metadata = make(core.ProcessingMetadata, max(count, 0))
		for range count {
			if d.err != nil {
				return
			}
			stage := core.Stage(d.str())
			doc.Metadata[stage] = &core.StageMetadata{
				Progress:         d.int(),
				RetryCount:       d.int(),
				LastError:        d.str(),
				StartedAt:        d.time(),
				CompletedAt:      d.time(),
				SegmentsCreated:  d.int(),
				NodesCreated:     d.int(),
				EdgesCreated:     d.int(),
				EntitiesResolved: d.int(),
				Attrs:            d.strMap(),
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// MarshalJob serializes a Job to bytes.
func MarshalJob(job *core.Job) []byte {
	return encode(func(e *encoder) {
		e.str(job.ID)
		e.str(job.DocumentID)
		e.str(string(job.Stage))
		e.strMap(job.Params)
		e.int(job.Attempts)
		e.str(string(job.Status))
		e.int(job.ProgressPercent)
		e.time(job.LastHeartbeat)
		e.str(job.FailureReason)
		e.boolean(job.CancelRequested)
		e.time(job.AvailableAt)
		e.time(job.CreatedAt)
		e.time(job.UpdatedAt)
	})
}

// UnmarshalJob deserializes a Job from bytes.
func UnmarshalJob(data []byte) (*core.Job, error) {
	job := &core.Job{}
	err := decode(data, func(d *decoder) {
		job.ID = d.str()
		job.DocumentID = d.str()
		job.Stage = core.Stage(d.str())
		job.Params = d.strMap()
		job.Attempts = d.int()
		job.Status = core.JobStatus(d.str())
		job.ProgressPercent = d.int()
		job.LastHeartbeat = d.time()
		job.FailureReason = d.str()
		job.CancelRequested = d.boolean()
		job.AvailableAt = d.time()
		job.CreatedAt = d.time()
		job.UpdatedAt = d.time()
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// MarshalCanonicalEntity serializes a CanonicalEntity to bytes.
func MarshalCanonicalEntity(entity *core.CanonicalEntity) []byte {
	return encode(func(e *encoder) {
		e.str(entity.ID)
		e.str(entity.DatasetID)
		e.str(entity.EntityType)
		e.str(entity.CanonicalName)
		e.str(entity.NormalizedName)
		e.str(entity.MatchKey)
		e.f64(entity.ConfidenceScore)
		e.str(string(entity.Source))
		e.strMap(entity.Metadata)
		e.str(entity.Owner)
		e.time(entity.CreatedAt)
		e.time(entity.UpdatedAt)
	})
}

// UnmarshalCanonicalEntity deserializes a CanonicalEntity from bytes.
func UnmarshalCanonicalEntity(data []byte) (*core.CanonicalEntity, error) {
	entity := &core.CanonicalEntity{}
	err := decode(data, func(d *decoder) {
		entity.ID = d.str()
		entity.DatasetID = d.str()
		entity.EntityType = d.str()
		entity.CanonicalName = d.str()
		entity.NormalizedName = d.str()
		entity.MatchKey = d.str()
		entity.ConfidenceScore = d.f64()
		entity.Source = core.EntitySource(d.str())
		entity.Metadata = d.strMap()
		entity.Owner = d.str()
		entity.CreatedAt = d.time()
		entity.UpdatedAt = d.time()
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// MarshalAlias serializes an Alias to bytes.
func MarshalAlias(alias *core.Alias) []byte {
	return encode(func(e *encoder) {
		e.str(alias.ID)
		e.str(alias.OwnerEntityID)
		e.str(alias.DatasetID)
		e.str(alias.EntityType)
		e.str(alias.AliasText)
		e.str(alias.NormalizedText)
		e.f64(alias.SimilarityScore)
		e.int(alias.MatchCount)
		e.time(alias.LastMatchedAt)
		e.str(alias.Language)
		e.str(alias.Script)
		e.str(alias.AliasType)
		e.time(alias.CreatedAt)
	})
}

// UnmarshalAlias deserializes an Alias from bytes.
func UnmarshalAlias(data []byte) (*core.Alias, error) {
	alias := &core.Alias{}
	err := decode(data, func(d *decoder) {
		alias.ID = d.str()
		alias.OwnerEntityID = d.str()
		alias.DatasetID = d.str()
		alias.EntityType = d.str()
		alias.AliasText = d.str()
		alias.NormalizedText = d.str()
		alias.SimilarityScore = d.f64()
		alias.MatchCount = d.int()
		alias.LastMatchedAt = d.time()
		alias.Language = d.str()
		alias.Script = d.str()
		alias.AliasType = d.str()
		alias.CreatedAt = d.time()
	})
	if err != nil {
		return nil, err
	}
	return alias, nil
}

// MarshalLogEntry serializes a NormalizationLogEntry to bytes.
func MarshalLogEntry(entry *core.NormalizationLogEntry) []byte {
	return encode(func(e *encoder) {
		e.str(entry.ID)
		e.str(entry.DatasetID)
		e.str(entry.EntityType)
		e.str(entry.OriginalEntity)
		e.str(entry.NormalizedTo)
		e.str(string(entry.Method))
		e.f64(entry.Confidence)
		e.time(entry.CreatedAt)
	})
}

// UnmarshalLogEntry deserializes a NormalizationLogEntry from bytes.
func UnmarshalLogEntry(data []byte) (*core.NormalizationLogEntry, error) {
	entry := &core.NormalizationLogEntry{}
	err := decode(data, func(d *decoder) {
		entry.ID = d.str()
		entry.DatasetID = d.str()
		entry.EntityType = d.str()
		entry.OriginalEntity = d.str()
		entry.NormalizedTo = d.str()
		entry.Method = core.NormalizationMethod(d.str())
		entry.Confidence = d.f64()
		entry.CreatedAt = d.time()
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}
