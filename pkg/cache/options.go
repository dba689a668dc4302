package cache

import "time"

// DefaultTTL applies when Set is called without WithTTL.
const DefaultTTL = time.Hour

// SetOptions controls how a value is written.
type SetOptions struct {
	// TTL is rounded up to whole seconds; zero or negative never expires.
	TTL time.Duration

	// Tags label the entry for InvalidateByTag.
	Tags []string

	// Serialize stores the JSON envelope on remote backends. When false the
	// value is coerced to a string and stored as is.
	Serialize bool
}

// SetOption mutates SetOptions.
type SetOption func(*SetOptions)

// WithTTL sets the entry lifetime. Pass 0 for an entry that never expires.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *SetOptions) {
		o.TTL = ttl
	}
}

// WithTags attaches invalidation tags to the entry.
func WithTags(tags ...string) SetOption {
	return func(o *SetOptions) {
		o.Tags = append(o.Tags, tags...)
	}
}

// WithoutSerialization stores the value as a plain string on remote backends.
func WithoutSerialization() SetOption {
	return func(o *SetOptions) {
		o.Serialize = false
	}
}

// NewSetOptions applies opts on top of the defaults: one hour TTL, no tags,
// serialization on.
func NewSetOptions(opts ...SetOption) SetOptions {
	o := SetOptions{
		TTL:       DefaultTTL,
		Serialize: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.TTL < 0 {
		o.TTL = 0
	}
	return o
}
