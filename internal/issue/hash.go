package issue

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strconv"
)

// Hash returns the content hash of the snapshot: a hex SHA-256 over the
// normalized content fields in a fixed order. Source, ExternalRef, UpdatedAt
// and Links are excluded so that the same content read back from a store
// hashes identically.
func (s Snapshot) Hash() string {
	n := s.Normalized()

	h := sha256.New()
	w := fieldWriter{h}

	w.str(n.Title)
	w.str(n.Description)
	w.str(string(n.Status))
	w.str(strconv.Itoa(n.Priority))
	w.str(strconv.Itoa(len(n.Labels)))

	for _, l := range n.Labels {
		w.str(l)
	}

	w.str(n.Assignee)
	w.str(n.MilestoneRef)

	return hex.EncodeToString(h.Sum(nil))
}

// fieldWriter writes length-prefixed fields so that adjacent fields can't
// collide ("ab"+"c" vs "a"+"bc").
type fieldWriter struct {
	h hash.Hash
}

func (w fieldWriter) str(s string) {
	w.h.Write([]byte(strconv.Itoa(len(s))))
	w.h.Write([]byte{':'})
	w.h.Write([]byte(s))
	w.h.Write([]byte{0})
}
