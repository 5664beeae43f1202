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

package core

import "time"

// EntitySource records how a canonical entity came to exist.
type EntitySource string

const (
	SourceAuto   EntitySource = "auto"
	SourceManual EntitySource = "manual"
	SourceImport EntitySource = "import"
)

// NormalizationMethod records which resolution path produced a match.
type NormalizationMethod string

const (
	MethodExact NormalizationMethod = "exact"
	MethodFuzzy NormalizationMethod = "fuzzy"
	MethodNew   NormalizationMethod = "new"
)

// CanonicalEntity is the single authoritative record for a real-world
// entity within a dataset. NormalizedName is the exact-match form of
// CanonicalName and is unique per (DatasetID, EntityType).
type CanonicalEntity struct {
	ID              string
	DatasetID       string
	EntityType      string
	CanonicalName   string
	NormalizedName  string
	MatchKey        string // Unique per dataset and type when set
	ConfidenceScore float64
	Source          EntitySource
	Metadata        map[string]string
	Owner           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Alias is an alternate surface form owned by exactly one canonical entity.
// NormalizedText is unique per OwnerEntityID.
type Alias struct {
	ID              string
	OwnerEntityID   string
	DatasetID       string
	EntityType      string
	AliasText       string
	NormalizedText  string
	SimilarityScore float64
	MatchCount      int
	LastMatchedAt   time.Time
	Language        string
	Script          string
	AliasType       string
	CreatedAt       time.Time
}

// NormalizationLogEntry is one immutable resolution decision.
type NormalizationLogEntry struct {
	ID             string
	DatasetID      string
	EntityType     string
	OriginalEntity string
	NormalizedTo   string // Canonical entity ID
	Method         NormalizationMethod
	Confidence     float64
	CreatedAt      time.Time
}

// Mention is a raw entity occurrence extracted from a document.
type Mention struct {
	DatasetID  string `json:"datasetId"`
	EntityType string `json:"entityType"`
	RawName    string `json:"rawName"`
}
