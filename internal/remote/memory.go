package remote

import (
	"context"
	"sync"

	"sitecms/api/internal/document"
)

type subscription struct {
	path     string
	onChange func(any)
}

// MemoryStore keeps the document in process. It backs local development and
// tests; subscribers are notified synchronously after each change.
type MemoryStore struct {
	mu     sync.Mutex
	data   document.Snapshot
	nextID int
	subs   map[int]subscription
}

func NewMemoryStore(initial document.Snapshot) *MemoryStore {
	return &MemoryStore{
		data: document.Clone(initial),
		subs: make(map[int]subscription),
	}
}

func (s *MemoryStore) Read(_ context.Context, path string) (any, bool, error) {
	segments, err := splitRequired(path)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.lookup(segments)
	return document.CloneValue(value), ok, nil
}

func (s *MemoryStore) ReadAll(context.Context) (document.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return document.Clone(s.data), nil
}

func (s *MemoryStore) Write(ctx context.Context, path string, value any) error {
	segments, err := splitRequired(path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if len(segments) == 1 {
		s.data[segments[0]] = document.CloneValue(value)
	} else {
		updated, err := document.SetPath(s.data[segments[0]], segments[1:], document.CloneValue(value))
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.data[segments[0]] = updated
	}
	s.mu.Unlock()

	s.publish(document.JoinPath(segments...))
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	segments, err := splitRequired(path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if len(segments) == 1 {
		delete(s.data, segments[0])
	} else {
		updated, err := document.RemovePath(s.data[segments[0]], segments[1:])
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.data[segments[0]] = updated
	}
	s.mu.Unlock()

	s.publish(document.JoinPath(segments...))
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, path string, onChange func(any)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = subscription{path: path, onChange: onChange}
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) publish(changed string) {
	type delivery struct {
		fn    func(any)
		value any
	}
	s.mu.Lock()
	deliveries := make([]delivery, 0, len(s.subs))
	for _, sub := range s.subs {
		if !affects(sub.path, changed) {
			continue
		}
		value, _ := s.lookup(document.SplitPath(sub.path))
		deliveries = append(deliveries, delivery{fn: sub.onChange, value: document.CloneValue(value)})
	}
	s.mu.Unlock()

	for _, d := range deliveries {
		d.fn(d.value)
	}
}

func (s *MemoryStore) lookup(segments []string) (any, bool) {
	if len(segments) == 0 {
		return map[string]any(document.Clone(s.data)), true
	}
	root, ok := s.data[segments[0]]
	if !ok {
		return nil, false
	}
	return document.GetPath(root, segments[1:])
}
