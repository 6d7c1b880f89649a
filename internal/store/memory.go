package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. The relay server keeps the authoritative
// record tree in one; tests share one between participants to exchange
// signaling records without a network.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
	subs    map[string]map[*Dispatcher]struct{} // key: subscribed parent path
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]byte),
		subs:    make(map[string]map[*Dispatcher]struct{}),
	}
}

func (s *MemoryStore) Write(_ context.Context, path string, value []byte) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	parent, key := parentAndKey(path)
	v := append([]byte(nil), value...)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.records[path] = v
	for sub := range s.subs[parent] {
		sub.Push(Child{Key: key, Value: v})
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.records, path)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	prefix := path + "/"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.records, path)
	for p := range s.records {
		if strings.HasPrefix(p, prefix) {
			delete(s.records, p)
		}
	}
	return nil
}

func (s *MemoryStore) SubscribeNewChildren(ctx context.Context, path string, fn func(Child)) (func(), error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	prefix := path + "/"

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	sub := NewDispatcher(fn)

	var existing []Child
	for p, v := range s.records {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		key := p[len(prefix):]
		if strings.Contains(key, "/") {
			continue
		}
		existing = append(existing, Child{Key: key, Value: v})
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].Key < existing[j].Key })
	for _, c := range existing {
		sub.Push(c)
	}

	set := s.subs[path]
	if set == nil {
		set = make(map[*Dispatcher]struct{})
		s.subs[path] = set
	}
	set[sub] = struct{}{}
	s.mu.Unlock()

	go sub.Run()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			if set := s.subs[path]; set != nil {
				delete(set, sub)
				if len(set) == 0 {
					delete(s.subs, path)
				}
			}
			s.mu.Unlock()
			sub.Stop()
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				unsubscribe()
			case <-sub.Done():
			}
		}()
	}
	return unsubscribe, nil
}

// Len returns the number of records currently stored.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Get returns a copy of the record at path.
func (s *MemoryStore) Get(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.records[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Close stops every subscription. Further operations fail with ErrClosed.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var subs []*Dispatcher
	for _, set := range s.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	s.subs = make(map[string]map[*Dispatcher]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
}
