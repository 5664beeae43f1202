package badger

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/poiesic/docflow/core"
)

// Key prefixes for different data types
const (
	documentPrefix        = "doc"
	documentDatasetPrefix = "docds"
	jobPrefix             = "job"
	jobActivePrefix       = "jobact" // (document, stage) -> job ID of the non-terminal job
	jobQueuePrefix        = "jobq"   // availableAt + job ID for waiting jobs
	jobRunningPrefix      = "jobrun"
	jobDocumentPrefix     = "jobdoc"
	entityPrefix          = "ent"
	entityNamePrefix      = "entname"  // (dataset, type, normalized name) -> entity ID
	entityMatchPrefix     = "entmatch" // (dataset, type, match key) -> entity ID
	entityTypePrefix      = "enttype"
	aliasPrefix           = "alias"
	aliasOwnerPrefix      = "aliasown" // (owner, normalized text) -> alias ID
	aliasFormPrefix       = "aliasform"
	aliasTypePrefix       = "aliastype"
	normLogPrefix         = "normlog"
)

// keySep separates variable-length key parts. Identifiers and entity names
// never contain it, so prefix scans cannot bleed into a neighbouring group.
const keySep = "\x00"

// makeKey generates a key of the form prefix:part1<sep>part2...
func makeKey(prefix string, parts ...string) []byte {
	return []byte(prefix + ":" + strings.Join(parts, keySep))
}

// makeScanPrefix generates a partial key matching every key that extends
// the given parts.
func makeScanPrefix(prefix string, parts ...string) []byte {
	if len(parts) == 0 {
		return []byte(prefix + ":")
	}
	return append(makeKey(prefix, parts...), keySep...)
}

func makeDocumentKey(id string) []byte {
	return makeKey(documentPrefix, id)
}

func makeDocumentDatasetKey(datasetID, id string) []byte {
	return makeKey(documentDatasetPrefix, datasetID, id)
}

func makeJobKey(id string) []byte {
	return makeKey(jobPrefix, id)
}

func makeJobActiveKey(documentID string, stage core.Stage) []byte {
	return makeKey(jobActivePrefix, documentID, string(stage))
}

func makeJobRunningKey(id string) []byte {
	return makeKey(jobRunningPrefix, id)
}

func makeJobDocumentKey(documentID, id string) []byte {
	return makeKey(jobDocumentPrefix, documentID, id)
}

// makeJobQueueKey generates a composite key for the waiting queue.
// Format: prefix:availableAt:id
func makeJobQueueKey(availableAt time.Time, id string) []byte {
	prefix := jobQueuePrefix + ":"
	prefixBytes := []byte(prefix)
	prefixSize := len(prefixBytes)
	totalSize := prefixSize + 8 + len(id) // 8 bytes for timestamp
	buf := make([]byte, totalSize)
	offset := copy(buf, prefixBytes)
	// Write in BigEndian order so lexicographic sort works correctly
	binary.BigEndian.PutUint64(buf[offset:], uint64(availableAt.UnixMicro()))
	offset += 8
	copy(buf[offset:], id)
	return buf
}

// parseJobQueueKey splits a queue key into its availability time and job ID.
func parseJobQueueKey(key []byte) (time.Time, string) {
	offset := len(jobQueuePrefix) + 1
	micros := binary.BigEndian.Uint64(key[offset : offset+8])
	return time.UnixMicro(int64(micros)).UTC(), string(key[offset+8:])
}

func makeEntityKey(id string) []byte {
	return makeKey(entityPrefix, id)
}

func makeEntityNameKey(datasetID, entityType, normalizedName string) []byte {
	return makeKey(entityNamePrefix, datasetID, entityType, normalizedName)
}

func makeEntityMatchKey(datasetID, entityType, matchKey string) []byte {
	return makeKey(entityMatchPrefix, datasetID, entityType, matchKey)
}

func makeEntityTypeKey(datasetID, entityType, id string) []byte {
	return makeKey(entityTypePrefix, datasetID, entityType, id)
}

func makeAliasKey(id string) []byte {
	return makeKey(aliasPrefix, id)
}

func makeAliasOwnerKey(ownerID, normalizedText string) []byte {
	return makeKey(aliasOwnerPrefix, ownerID, normalizedText)
}

func makeAliasFormKey(datasetID, entityType, normalizedText, id string) []byte {
	return makeKey(aliasFormPrefix, datasetID, entityType, normalizedText, id)
}

func makeAliasTypeKey(datasetID, entityType, id string) []byte {
	return makeKey(aliasTypePrefix, datasetID, entityType, id)
}

func makeNormLogKey(datasetID, id string) []byte {
	return makeKey(normLogPrefix, datasetID, id)
}
