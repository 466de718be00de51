// Package registry resolves historical container image digests: it
// lists the tags of an image through the external registry client and
// answers nearest-earlier lookups over the resulting time series.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNoSuitableArtifact reports that every indexed digest is newer
// than the query time.
var ErrNoSuitableArtifact = errors.New("no suitable artifact before query time")

type indexEntry struct {
	timestamp time.Time
	digest    string
}

// DigestIndex is an ordered (timestamp, digest) series supporting
// nearest-earlier-or-equal lookup. Entries must be added in
// non-decreasing timestamp order; the index does not re-sort, it is
// built from a stream the registry already returns time-ordered.
type DigestIndex struct {
	entries []indexEntry
}

// Add appends an entry in caller-supplied order.
func (idx *DigestIndex) Add(timestamp time.Time, digest string) {
	idx.entries = append(idx.entries, indexEntry{timestamp: timestamp, digest: digest})
}

func (idx *DigestIndex) Len() int { return len(idx.entries) }

// LatestBefore returns the digest of the entry with the greatest
// timestamp at or before q, or ErrNoSuitableArtifact.
func (idx *DigestIndex) LatestBefore(q time.Time) (string, error) {
	// Right insertion point of q: first entry strictly after it.
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].timestamp.After(q)
	})
	if i == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoSuitableArtifact, q.UTC().Format(time.RFC3339))
	}
	return idx.entries[i-1].digest, nil
}
