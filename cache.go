package distil

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one cached extraction result.
type Entry struct {
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Turns     int       `json:"turns"`
	Usage     Usage     `json:"usage"`
	ExpiresAt time.Time `json:"expires_at,omitzero"` // zero means no expiry
}

// expired reports whether the entry is past its TTL at now.
func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Store is the cache contract. Implementations must be safe for concurrent use
// from independent extractions; at-most-one-build-per-key is not guaranteed, so
// concurrent identical requests may both miss and both write.
type Store interface {
	// Get returns the entry for key, or (nil, false, nil) on a miss. Expired
	// entries are misses.
	Get(ctx context.Context, key string) (*Entry, bool, error)
	// Set stores entry under key. A positive ttl stamps the entry's expiry.
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	// Delete removes the entry for key, if any.
	Delete(ctx context.Context, key string) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// DefaultMemorySize is the entry bound of a MemoryStore created with size <= 0.
const DefaultMemorySize = 128

// MemoryStore is an in-process Store with bounded-size least-recently-used
// eviction. A Get counts as a touch; Set evicts the oldest entries once the
// bound is exceeded.
type MemoryStore struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List               // front = most recently used
	entries map[string]*list.Element // element value is *memoryEntry
}

type memoryEntry struct {
	key   string
	entry *Entry
}

// NewMemoryStore creates a MemoryStore bounded to size entries.
// size <= 0 uses DefaultMemorySize.
func NewMemoryStore(size int) *MemoryStore {
	if size <= 0 {
		size = DefaultMemorySize
	}
	return &MemoryStore{
		maxSize: size,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	me := el.Value.(*memoryEntry)
	if me.entry.expired(time.Now()) {
		s.order.Remove(el)
		delete(s.entries, key)
		return nil, false, nil
	}
	s.order.MoveToFront(el)
	return me.entry, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		el.Value.(*memoryEntry).entry = entry
		s.order.MoveToFront(el)
		return nil
	}
	s.entries[key] = s.order.PushFront(&memoryEntry{key: key, entry: entry})
	for s.order.Len() > s.maxSize {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*memoryEntry).key)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.order.Remove(el)
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order.Init()
	s.entries = make(map[string]*list.Element)
	return nil
}

// Len returns the current number of entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// FileStore persists entries as JSON files under a root directory, sharded by
// the first two characters of the key to bound directory fan-out.
type FileStore struct {
	root string
}

// NewFileStore creates (if needed) the storage root and returns a FileStore.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(key string) string {
	shard := "00"
	if len(key) >= 2 {
		shard = key[:2]
	}
	return filepath.Join(s.root, shard, key+".json")
}

func (s *FileStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt entry is a miss; leave removal to the next Set.
		return nil, false, nil
	}
	if entry.expired(time.Now()) {
		_ = os.Remove(s.path(key))
		return nil, false, nil
	}
	return &entry, true, nil
}

func (s *FileStore) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Write-then-rename so concurrent readers never see a partial entry.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".entry-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Clear removes and recreates the storage root.
func (s *FileStore) Clear(_ context.Context) error {
	if err := os.RemoveAll(s.root); err != nil {
		return err
	}
	return os.MkdirAll(s.root, 0o755)
}

// Fingerprint computes the deterministic cache key of a request: a SHA-256 over
// the canonical JSON of every input that affects the result (input or messages,
// shape, instruction, model, and external validator identifiers). The key is a
// pure function of those inputs; identical requests always map to the same key,
// and attaching a different external validator changes it.
func Fingerprint(req *Request) string {
	payload := map[string]any{
		"model":       req.Model,
		"schema":      req.Schema,
		"instruction": req.Instruction,
	}
	if len(req.Messages) > 0 {
		payload["messages"] = req.Messages
	} else {
		payload["input"] = req.Input
	}
	if len(req.Images) > 0 {
		digests := make([]string, len(req.Images))
		for i, img := range req.Images {
			sum := sha256.Sum256(img.Data)
			digests[i] = img.MediaType + ":" + hex.EncodeToString(sum[:])
		}
		payload["images"] = digests
	}
	if req.CheckCommand != "" {
		payload["command"] = req.CheckCommand
	}
	if req.CheckURL != "" {
		payload["url"] = req.CheckURL
	}
	// Map keys marshal in sorted order, so the encoding is canonical.
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
)
