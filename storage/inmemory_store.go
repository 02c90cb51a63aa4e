package storage

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const shardCount = 32

type entry struct {
	value   []byte
	live    bool
	version uint64
}

type shard struct {
	mu    sync.RWMutex
	items map[string]*entry
}

// InmemoryStore spreads keys over shards by their xxhash so unrelated keys do
// not contend on one lock.
type InmemoryStore struct {
	shards [shardCount]*shard

	// clock hands out versions; it only moves forward so a deleted and
	// recreated key never reuses a version.
	clock uint64
}

func NewInmemoryStore() *InmemoryStore {
	s := &InmemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]*entry)}
	}

	return s
}

func (s *InmemoryStore) shardFor(key []byte) *shard {
	return s.shards[xxhash.Sum64(key)%shardCount]
}

func (s *InmemoryStore) tick() uint64 {
	return atomic.AddUint64(&s.clock, 1)
}

func (s *InmemoryStore) Get(key []byte) ([]byte, bool) {
	sh := s.shardFor(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.items[string(key)]
	if !ok || !e.live {
		return nil, false
	}

	return append([]byte(nil), e.value...), true
}

func (s *InmemoryStore) Set(key, value []byte, cond SetCondition) bool {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[string(key)]
	exists := ok && e.live

	switch {
	case cond == SetIfAbsent && exists, cond == SetIfPresent && !exists:
		return false
	}

	if !ok {
		e = &entry{}
		sh.items[string(key)] = e
	}

	e.value = append([]byte(nil), value...)
	e.live = true
	e.version = s.tick()

	return true
}

func (s *InmemoryStore) Delete(keys ...[]byte) int {
	deleted := 0

	for _, key := range keys {
		sh := s.shardFor(key)

		sh.mu.Lock()
		if e, ok := sh.items[string(key)]; ok && e.live {
			e.value = nil
			e.live = false
			e.version = s.tick()
			deleted++
		}
		sh.mu.Unlock()
	}

	return deleted
}

// Exists counts keys that exist; a key named twice counts twice.
func (s *InmemoryStore) Exists(keys ...[]byte) int {
	n := 0

	for _, key := range keys {
		if _, ok := s.Get(key); ok {
			n++
		}
	}

	return n
}

func (s *InmemoryStore) IncrBy(key []byte, delta int64) (int64, error) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[string(key)]

	var current int64
	if ok && e.live {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		current = n
	}

	if (delta > 0 && current > math.MaxInt64-delta) || (delta < 0 && current < math.MinInt64-delta) {
		return 0, ErrOverflow
	}

	if !ok {
		e = &entry{}
		sh.items[string(key)] = e
	}

	current += delta
	e.value = strconv.AppendInt(e.value[:0], current, 10)
	e.live = true
	e.version = s.tick()

	return current, nil
}

func (s *InmemoryStore) Version(key []byte) uint64 {
	sh := s.shardFor(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if e, ok := sh.items[string(key)]; ok {
		return e.version
	}

	return 0
}

// Flush deletes every key. Entries are kept as tombstones so that watched
// keys see a new version.
func (s *InmemoryStore) Flush() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.items {
			if e.live {
				e.value = nil
				e.live = false
				e.version = s.tick()
			}
		}
		sh.mu.Unlock()
	}
}

func (s *InmemoryStore) Len() int {
	n := 0

	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.items {
			if e.live {
				n++
			}
		}
		sh.mu.RUnlock()
	}

	return n
}

func (s *InmemoryStore) Restore(values []byte) error {
	if !gjson.ValidBytes(values) {
		return fmt.Errorf("failed to restore: invalid JSON")
	}

	parsed := gjson.ParseBytes(values)
	if !parsed.IsObject() {
		return fmt.Errorf("failed to restore: expected a JSON object, got %s", parsed.Type)
	}

	var err error
	parsed.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.String && value.Type != gjson.Number {
			err = fmt.Errorf("failed to restore %q: expected a string, got %s", key.String(), value.Type)
			return false
		}

		s.Set([]byte(key.String()), []byte(value.String()), SetAlways)
		return true
	})

	return err
}

// Backup writes keys in sorted order so snapshots of equal keyspaces are
// byte for byte equal.
func (s *InmemoryStore) Backup() ([]byte, error) {
	snapshot := make(map[string][]byte)

	for _, sh := range s.shards {
		sh.mu.RLock()
		for key, e := range sh.items {
			if e.live {
				snapshot[key] = e.value
			}
		}
		sh.mu.RUnlock()
	}

	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := []byte("{}")
	for _, key := range keys {
		var err error

		out, err = sjson.SetBytes(out, escapePath(key), string(snapshot[key]))
		if err != nil {
			return nil, fmt.Errorf("failed to back up %q: %w", key, err)
		}
	}

	return out, nil
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`*`, `\*`,
	`?`, `\?`,
	`|`, `\|`,
	`#`, `\#`,
	`@`, `\@`,
	`:`, `\:`,
)

// escapePath turns a key into an sjson path that names exactly that key.
func escapePath(key string) string {
	return pathEscaper.Replace(key)
}

var _ Store = (*InmemoryStore)(nil)
