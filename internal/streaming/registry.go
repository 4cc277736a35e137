// Package streaming hands live output streams from workers to the callers that
// asked for them. A worker registers a Stream and passes back only an opaque
// key; the caller later exchanges the key for the Stream exactly once.
package streaming

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultRetention bounds how long an unretrieved stream is kept.
const DefaultRetention = 60 * time.Second

// maxTombstones caps the set of recently evicted keys kept to tell an expired
// handle apart from an unknown one.
const maxTombstones = 4096

var (
	// ErrHandleNotFound means the key is unknown or was already retrieved.
	ErrHandleNotFound = errors.New("streaming handle not found")
	// ErrHandleExpired means the entry was evicted by the retention window.
	ErrHandleExpired = errors.New("streaming handle expired")
)

type entry struct {
	requestID string
	stream    *Stream
	createdAt time.Time
}

// Registry is a keyed store of live streams with bounded retention.
type Registry struct {
	mu         sync.Mutex
	entries    map[string]*entry
	tombstones map[string]time.Time

	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger
	onEvict   func(key, requestID string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option { return func(r *Registry) { r.log = l } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithEvictHook is called, outside the registry lock, for each evicted entry.
func WithEvictHook(fn func(key, requestID string)) Option {
	return func(r *Registry) { r.onEvict = fn }
}

// NewRegistry creates a registry. A non-positive retention selects DefaultRetention.
func NewRegistry(retention time.Duration, opts ...Option) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	r := &Registry{
		entries:    make(map[string]*entry),
		tombstones: make(map[string]time.Time),
		retention:  retention,
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Retention returns the configured retention window.
func (r *Registry) Retention() time.Duration { return r.retention }

// Register stores s under a fresh key and returns the key.
func (r *Registry) Register(requestID string, s *Stream) string {
	key := uuid.NewString()
	r.mu.Lock()
	r.entries[key] = &entry{requestID: requestID, stream: s, createdAt: r.now()}
	r.mu.Unlock()
	r.log.Debug().Str("stream_key", key).Str("request_id", requestID).Msg("stream registered")
	return key
}

// Retrieve removes and returns the stream stored under key. A key can be
// retrieved at most once; later calls return ErrHandleNotFound. Entries past
// the retention window are evicted here and reported as ErrHandleExpired.
func (r *Registry) Retrieve(key string) (*Stream, error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		_, expired := r.tombstones[key]
		r.mu.Unlock()
		if expired {
			return nil, ErrHandleExpired
		}
		return nil, ErrHandleNotFound
	}
	delete(r.entries, key)
	if r.now().Sub(e.createdAt) > r.retention {
		r.tombstoneLocked(key)
		r.mu.Unlock()
		r.evict(key, e)
		return nil, ErrHandleExpired
	}
	r.mu.Unlock()
	return e.stream, nil
}

// Remove drops the entry under key and closes its stream.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if ok {
		e.stream.Close()
	}
	return ok
}

// Len returns the number of streams awaiting retrieval.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep evicts every entry older than the retention window and returns how
// many were dropped.
func (r *Registry) Sweep() int {
	now := r.now()
	type victim struct {
		key string
		e   *entry
	}
	var victims []victim
	r.mu.Lock()
	for key, e := range r.entries {
		if now.Sub(e.createdAt) > r.retention {
			delete(r.entries, key)
			r.tombstoneLocked(key)
			victims = append(victims, victim{key, e})
		}
	}
	for key, at := range r.tombstones {
		if now.Sub(at) > r.retention {
			delete(r.tombstones, key)
		}
	}
	r.mu.Unlock()
	for _, v := range victims {
		r.evict(v.key, v.e)
	}
	return len(victims)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.retention / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.Info().Int("evicted", n).Msg("stream sweep")
			}
		}
	}
}

// Close evicts all entries regardless of age.
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	for key, e := range all {
		r.evict(key, e)
	}
}

func (r *Registry) tombstoneLocked(key string) {
	if len(r.tombstones) >= maxTombstones {
		return
	}
	r.tombstones[key] = r.now()
}

func (r *Registry) evict(key string, e *entry) {
	e.stream.Close()
	r.log.Debug().Str("stream_key", key).Str("request_id", e.requestID).Msg("stream evicted")
	if r.onEvict != nil {
		r.onEvict(key, e.requestID)
	}
}
