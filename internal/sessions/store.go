// Package sessions is the ephemeral dialog state store: a mapping from
// (namespace, key) to a JSON payload with per-entry TTL.
//
// Writes go to Redis first; on any Redis failure they fall back to a
// process-local map with identical semantics and the store marks itself
// non-durable. The store never refuses to start because Redis is down.
package sessions

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Namespaces. Each carries its own default TTL.
const (
	NSValidation        = "validation"
	NSPendingValidation = "pending_validation"
	NSReview            = "review"
	NSAction            = "action"
	NSBatch             = "batch"
	NSSpec              = "spec"
	NSRecent            = "recent"
	NSClock             = "clock"
)

// DefaultTTL returns the namespace's default TTL. Dangerous-action
// confirmations and recent-message context expire fast.
func DefaultTTL(ns string) time.Duration {
	switch ns {
	case NSAction, NSRecent:
		return 5 * time.Minute
	case NSClock:
		// An open time entry must survive a full workday.
		return 12 * time.Hour
	default:
		return time.Hour
	}
}

// janitorInterval bounds how stale an expired local entry can look.
const janitorInterval = 30 * time.Second

type localEntry struct {
	payload   json.RawMessage
	expiresAt time.Time
}

// Entry is one listed session record.
type Entry struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// Store is safe for concurrent use. Writes under the same (ns, key) serialize
// through a per-key mutex; different keys are independent.
type Store struct {
	rdb *redis.Client // nil when no cache is configured

	mu      sync.RWMutex
	local   map[string]localEntry
	durable bool

	locks sync.Map // compound key -> *sync.Mutex
}

// New connects to Redis when addr is non-empty and logs the outcome. A failed
// connection degrades to in-memory only; it is not fatal.
func New(ctx context.Context, redisURL string) *Store {
	s := &Store{local: make(map[string]localEntry)}

	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Warn("session store: bad redis url, using in-memory only", "error", err)
		} else {
			rdb := redis.NewClient(opts)
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := rdb.Ping(pingCtx).Err(); err != nil {
				slog.Warn("session store: redis unreachable, using in-memory fallback", "error", err)
			} else {
				slog.Info("session store: redis connected")
			}
			// Keep the client even if the ping failed; Redis may come back.
			s.rdb = rdb
		}
	} else {
		slog.Info("session store: no cache configured, in-memory only")
	}
	s.durable = s.rdb != nil

	go s.janitor(ctx)
	return s
}

// Durable reports whether the last write path reached Redis.
func (s *Store) Durable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.durable
}

func compound(ns, key string) string { return "sess:" + ns + ":" + key }

func (s *Store) keyLock(ck string) *sync.Mutex {
	m, _ := s.locks.LoadOrStore(ck, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Get returns the payload or nil when absent/expired.
func (s *Store) Get(ctx context.Context, ns, key string) (json.RawMessage, error) {
	ck := compound(ns, key)

	if s.rdb != nil {
		val, err := s.rdb.Get(ctx, ck).Bytes()
		if err == nil {
			return val, nil
		}
		if err != redis.Nil {
			slog.Warn("session store: redis get failed, checking local", "ns", ns, "error", err)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.local[ck]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil
	}
	return e.payload, nil
}

// Set stores the payload under (ns, key). ttl <= 0 selects the namespace
// default. Once the store-side write has committed, a cancelled context does
// not undo it.
func (s *Store) Set(ctx context.Context, ns, key string, payload json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL(ns)
	}
	ck := compound(ns, key)

	lock := s.keyLock(ck)
	lock.Lock()
	defer lock.Unlock()

	if s.rdb != nil {
		if err := s.rdb.Set(ctx, ck, []byte(payload), ttl).Err(); err == nil {
			s.setDurable(true)
			// Drop any stale fallback copy.
			s.mu.Lock()
			delete(s.local, ck)
			s.mu.Unlock()
			return nil
		} else {
			slog.Warn("session store: redis set failed, falling back to local", "ns", ns, "error", err)
		}
	}

	s.setDurable(false)
	s.mu.Lock()
	s.local[ck] = localEntry{payload: payload, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// Clear removes the entry from both backends.
func (s *Store) Clear(ctx context.Context, ns, key string) error {
	ck := compound(ns, key)

	lock := s.keyLock(ck)
	lock.Lock()
	defer lock.Unlock()

	if s.rdb != nil {
		if err := s.rdb.Del(ctx, ck).Err(); err != nil {
			slog.Warn("session store: redis del failed", "ns", ns, "error", err)
		}
	}
	s.mu.Lock()
	delete(s.local, ck)
	s.mu.Unlock()
	return nil
}

// List returns all live entries in a namespace, from both backends.
func (s *Store) List(ctx context.Context, ns string) ([]Entry, error) {
	seen := map[string]bool{}
	var out []Entry

	if s.rdb != nil {
		prefix := compound(ns, "")
		iter := s.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
		for iter.Next(ctx) {
			ck := iter.Val()
			val, err := s.rdb.Get(ctx, ck).Bytes()
			if err != nil {
				continue
			}
			key := ck[len(prefix):]
			seen[key] = true
			out = append(out, Entry{Key: key, Payload: val})
		}
		if err := iter.Err(); err != nil {
			slog.Warn("session store: redis scan failed", "ns", ns, "error", err)
		}
	}

	now := time.Now()
	prefix := compound(ns, "")
	s.mu.RLock()
	for ck, e := range s.local {
		if len(ck) <= len(prefix) || ck[:len(prefix)] != prefix {
			continue
		}
		key := ck[len(prefix):]
		if seen[key] || now.After(e.expiresAt) {
			continue
		}
		out = append(out, Entry{Key: key, Payload: e.payload})
	}
	s.mu.RUnlock()
	return out, nil
}

// Stats returns live entry counts per namespace.
func (s *Store) Stats(ctx context.Context) map[string]int {
	counts := map[string]int{}
	for _, ns := range []string{NSValidation, NSPendingValidation, NSReview, NSAction, NSBatch, NSSpec, NSRecent, NSClock} {
		entries, _ := s.List(ctx, ns)
		counts[ns] = len(entries)
	}
	return counts
}

func (s *Store) setDurable(v bool) {
	s.mu.Lock()
	s.durable = v
	s.mu.Unlock()
}

// janitor sweeps expired local entries so TTL expiry stays visible within a
// bounded window even when Redis is down.
func (s *Store) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for ck, e := range s.local {
				if now.After(e.expiresAt) {
					delete(s.local, ck)
				}
			}
			s.mu.Unlock()
		}
	}
}
