package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemKV is an in-memory KV used by tests and single-node deployments
// without Redis. TTLs are enforced lazily on read.
type MemKV struct {
	mu      sync.Mutex
	strings map[string]memVal
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
}

type memVal struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

func NewMem() *MemKV {
	return &MemKV{
		strings: make(map[string]memVal),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
	}
}

func (s *MemKV) Ping(ctx context.Context) error { return nil }
func (s *MemKV) Close() error                   { return nil }

func (v memVal) expired() bool {
	return !v.expiresAt.IsZero() && time.Now().After(v.expiresAt)
}

func (s *MemKV) getLocked(key string) (memVal, bool) {
	v, ok := s.strings[key]
	if !ok {
		return memVal{}, false
	}
	if v.expired() {
		delete(s.strings, key)
		return memVal{}, false
	}
	return v, true
}

func (s *MemKV) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(0)
	if v, ok := s.getLocked(key); ok {
		n, _ = strconv.ParseInt(v.value, 10, 64)
	}
	n++
	prev := s.strings[key]
	s.strings[key] = memVal{value: strconv.FormatInt(n, 10), expiresAt: prev.expiresAt}
	return n, nil
}

func (s *MemKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.getLocked(key); ok {
		v.expiresAt = time.Now().Add(ttl)
		s.strings[key] = v
	}
	return nil
}

func (s *MemKV) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.getLocked(key); ok {
		return v.value, nil
	}
	return "", nil
}

func (s *MemKV) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := memVal{value: value}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	s.strings[key] = v
	return nil
}

func (s *MemKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.getLocked(key); ok {
		return false, nil
	}
	v := memVal{value: value}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	s.strings[key] = v
	return true, nil
}

func (s *MemKV) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.strings, key)
		delete(s.hashes, key)
		delete(s.sets, key)
	}
	return nil
}

func (s *MemKV) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.getLocked(key); ok {
		return true, nil
	}
	if _, ok := s.hashes[key]; ok {
		return true, nil
	}
	if _, ok := s.sets[key]; ok {
		return true, nil
	}
	return false, nil
}

func (s *MemKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemKV) HSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *MemKV) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemKV) SRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range members {
		delete(s.sets[key], m)
	}
	return nil
}

func (s *MemKV) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	return out, nil
}
