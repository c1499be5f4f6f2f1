package store

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/procd/pkg/agent"
)

// MemoryBackend keeps records in process memory.
type MemoryBackend struct {
	records sync.Map // Key(agentType, processID) -> *memoryEntry
	index   *recencyIndex
	closed  atomic.Bool
}

type memoryEntry struct {
	mu      sync.RWMutex
	rec     Process
	deleted bool
}

// recencyIndex orders the keys of each agent type, most recently touched
// at the front.
type recencyIndex struct {
	mu    sync.Mutex
	lists map[string]*list.List
	elems map[string]*list.Element
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		index: &recencyIndex{
			lists: make(map[string]*list.List),
			elems: make(map[string]*list.Element),
		},
	}
}

func (m *MemoryBackend) Name() string {
	return "memory"
}

func (m *MemoryBackend) Insert(ctx context.Context, p Process) error {
	if m.closed.Load() {
		return ErrClosed
	}

	key := Key(p.AgentType, p.ProcessID)
	entry := &memoryEntry{rec: p}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if _, loaded := m.records.LoadOrStore(key, entry); loaded {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	m.index.touch(p.AgentType, key)
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, agentType, processID string) (Process, error) {
	if m.closed.Load() {
		return Process{}, ErrClosed
	}

	entry, ok := m.load(agentType, processID)
	if !ok {
		return Process{}, notFound(agentType, processID)
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	if entry.deleted {
		return Process{}, notFound(agentType, processID)
	}
	return entry.rec, nil
}

func (m *MemoryBackend) Update(ctx context.Context, agentType, processID, state string, data interface{}, at time.Time) (Process, error) {
	if m.closed.Load() {
		return Process{}, ErrClosed
	}

	entry, ok := m.load(agentType, processID)
	if !ok {
		return Process{}, notFound(agentType, processID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.deleted {
		return Process{}, notFound(agentType, processID)
	}
	entry.rec.State = state
	entry.rec.Data = data
	entry.rec.UpdatedAt = at
	m.index.touch(agentType, Key(agentType, processID))
	return entry.rec, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, agentType, processID string) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}

	key := Key(agentType, processID)
	entry, ok := m.load(agentType, processID)
	if !ok {
		return 0, notFound(agentType, processID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.deleted {
		return 0, notFound(agentType, processID)
	}
	entry.deleted = true
	m.index.remove(agentType, key)
	m.records.Delete(key)
	return 1, nil
}

func (m *MemoryBackend) List(ctx context.Context, agentType string, page Page) ([]Process, int, error) {
	if m.closed.Load() {
		return nil, 0, ErrClosed
	}

	keys := m.index.snapshot(agentType)
	total := len(keys)
	keys = window(keys, page)

	processes := make([]Process, 0, len(keys))
	for _, key := range keys {
		value, ok := m.records.Load(key)
		if !ok {
			continue
		}
		entry := value.(*memoryEntry)
		entry.mu.RLock()
		if !entry.deleted {
			processes = append(processes, entry.rec)
		}
		entry.mu.RUnlock()
	}
	return processes, total, nil
}

func (m *MemoryBackend) Counts(ctx context.Context) (map[string]int, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	return m.index.counts(), nil
}

func (m *MemoryBackend) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *MemoryBackend) load(agentType, processID string) (*memoryEntry, bool) {
	value, ok := m.records.Load(Key(agentType, processID))
	if !ok {
		return nil, false
	}
	return value.(*memoryEntry), true
}

func (idx *recencyIndex) touch(agentType, key string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if elem, ok := idx.elems[key]; ok {
		idx.lists[agentType].MoveToFront(elem)
		return
	}

	l, ok := idx.lists[agentType]
	if !ok {
		l = list.New()
		idx.lists[agentType] = l
	}
	idx.elems[key] = l.PushFront(key)
}

func (idx *recencyIndex) remove(agentType, key string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	elem, ok := idx.elems[key]
	if !ok {
		return
	}
	l := idx.lists[agentType]
	l.Remove(elem)
	delete(idx.elems, key)
	if l.Len() == 0 {
		delete(idx.lists, agentType)
	}
}

func (idx *recencyIndex) snapshot(agentType string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	l, ok := idx.lists[agentType]
	if !ok {
		return nil
	}
	keys := make([]string, 0, l.Len())
	for elem := l.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(string))
	}
	return keys
}

func (idx *recencyIndex) counts() map[string]int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	counts := make(map[string]int, len(idx.lists))
	for agentType, l := range idx.lists {
		counts[agentType] = l.Len()
	}
	return counts
}

func window(keys []string, page Page) []string {
	if page.Skip < 0 {
		page.Skip = 0
	}
	if page.Skip >= len(keys) {
		return nil
	}
	keys = keys[page.Skip:]
	if page.Limit > 0 && page.Limit < len(keys) {
		keys = keys[:page.Limit]
	}
	return keys
}

func notFound(agentType, processID string) error {
	return fmt.Errorf("%w: process %s/%s", agent.ErrNotFound, agentType, processID)
}
