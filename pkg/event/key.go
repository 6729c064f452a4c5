package event

import (
	"fmt"
	"strconv"
	"strings"
)

// sequenceWidth is the zero-padded digit count in journal keys. Twenty
// digits hold any uint64, so lexicographic key order matches ascending
// sequence within an entity.
const sequenceWidth = 20

// PartitionedSequenceKey identifies one stored event: a globally unique
// sequence number plus the entity key it belongs to. Partition routing
// uses the entity key alone, keeping every event for an entity on the
// same partition regardless of sequence.
type PartitionedSequenceKey struct {
	Sequence  uint64 `json:"sequence"`
	EntityKey string `json:"entity_key"`
}

// NewKey creates a key for the given sequence and entity.
func NewKey(sequence uint64, entityKey string) PartitionedSequenceKey {
	return PartitionedSequenceKey{Sequence: sequence, EntityKey: entityKey}
}

// PartitionKey returns the value partition routing hashes on.
func (k PartitionedSequenceKey) PartitionKey() string {
	return k.EntityKey
}

// JournalKey renders the storage key, entityKey#<padded sequence>.
func (k PartitionedSequenceKey) JournalKey() string {
	return fmt.Sprintf("%s#%0*d", k.EntityKey, sequenceWidth, k.Sequence)
}

// String renders the same form as JournalKey for logging.
func (k PartitionedSequenceKey) String() string {
	return k.JournalKey()
}

// JournalPrefix returns the scan prefix covering every event stored for
// the entity.
func JournalPrefix(entityKey string) string {
	return entityKey + "#"
}

// ParseJournalKey parses a key produced by JournalKey. Entity keys may
// themselves contain '#', so the split happens at the last separator.
func ParseJournalKey(s string) (PartitionedSequenceKey, error) {
	idx := strings.LastIndex(s, "#")
	if idx <= 0 || idx == len(s)-1 {
		return PartitionedSequenceKey{}, fmt.Errorf("event: malformed journal key %q", s)
	}
	seq, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return PartitionedSequenceKey{}, fmt.Errorf("event: malformed journal key %q: %w", s, err)
	}
	return PartitionedSequenceKey{Sequence: seq, EntityKey: s[:idx]}, nil
}
