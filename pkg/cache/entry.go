package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// Metadata describes a cached value. Created is milliseconds since the Unix
// epoch and TTL is in seconds; a TTL of zero or less never expires.
type Metadata struct {
	Created int64    `json:"created"`
	TTL     int      `json:"ttl"`
	Tags    []string `json:"tags"`
	Size    int      `json:"size"`
}

// Entry is one cached value plus its metadata. Its JSON form is the envelope
// stored by the remote backend.
type Entry struct {
	Value    any      `json:"value"`
	Metadata Metadata `json:"metadata"`

	// Raw asks remote backends to store Value as a plain string instead of
	// the JSON envelope.
	Raw bool `json:"-"`
}

// NewEntry builds an entry created at now, estimating its size from the JSON
// encoding of value.
func NewEntry(value any, now time.Time, opts SetOptions) *Entry {
	return &Entry{
		Value: value,
		Metadata: Metadata{
			Created: now.UnixMilli(),
			TTL:     ttlSeconds(opts.TTL),
			Tags:    append([]string(nil), opts.Tags...),
			Size:    EstimateSize(value),
		},
		Raw: !opts.Serialize,
	}
}

// ttlSeconds converts a lifetime to whole seconds, rounding up so a positive
// sub-second TTL still expires.
func ttlSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// IsExpired reports whether the entry is past its TTL at now.
func (e *Entry) IsExpired(now time.Time) bool {
	if e.Metadata.TTL <= 0 {
		return false
	}
	return now.UnixMilli() > e.ExpiresAt()
}

// ExpiresAt returns the expiry instant in epoch milliseconds, or 0 when the
// entry never expires.
func (e *Entry) ExpiresAt() int64 {
	if e.Metadata.TTL <= 0 {
		return 0
	}
	return e.Metadata.Created + int64(e.Metadata.TTL)*1000
}

// HasTag reports whether tag was attached when the entry was written.
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// EstimateSize returns the byte length of value's JSON encoding, falling back
// to its fmt representation for values JSON cannot encode.
func EstimateSize(value any) int {
	switch v := value.(type) {
	case string:
		return len(v) + 2
	case []byte:
		return len(v)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return len(fmt.Sprint(value))
	}
	return len(data)
}
