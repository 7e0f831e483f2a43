package events

import (
	"sync"
	"time"

	"sensorwatch/internal/errs"
)

// DefaultCapacity is the number of recent failures retained
const DefaultCapacity = 100

// Failure is one rejected inbound message kept for triage
type Failure struct {
	ID         int64     `json:"id"`
	Kind       errs.Kind `json:"kind"`
	Stage      string    `json:"stage"`
	Reason     string    `json:"reason"`
	Topic      string    `json:"topic"`
	Excerpt    string    `json:"excerpt,omitempty"`
	Error      string    `json:"error"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Store holds failures in memory with a fixed capacity (ring buffer)
type Store struct {
	mu      sync.RWMutex
	items   []Failure
	maxSize int
	nextID  int64
	byKind  map[errs.Kind]int64
}

// NewStore creates a new failure store with specified max capacity
func NewStore(maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = DefaultCapacity
	}
	return &Store{
		items:   make([]Failure, 0, maxSize),
		maxSize: maxSize,
		byKind:  make(map[errs.Kind]int64),
	}
}

// Add records a rejection of a message received on topic.
// Kind, stage and reason are taken from err when it is an *errs.Error.
func (s *Store) Add(topic, excerpt string, err error) Failure {
	f := Failure{
		Topic:      topic,
		Excerpt:    excerpt,
		ReceivedAt: time.Now(),
	}
	if err != nil {
		f.Error = err.Error()
	}
	if e := errs.As(err); e != nil {
		f.Kind, f.Stage, f.Reason = e.Kind, e.Stage, e.Reason
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	f.ID = s.nextID
	s.byKind[f.Kind]++

	// Ring buffer: remove oldest if at max capacity
	if len(s.items) >= s.maxSize {
		s.items = s.items[1:]
	}
	s.items = append(s.items, f)
	return f
}

// GetAll returns all failures (newest first)
func (s *Store) GetAll() []Failure {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Failure, len(s.items))
	for i, f := range s.items {
		result[len(s.items)-1-i] = f
	}
	return result
}

// GetLast returns the last N failures (newest first)
func (s *Store) GetLast(n int) []Failure {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > len(s.items) || n < 0 {
		n = len(s.items)
	}

	result := make([]Failure, n)
	for i := 0; i < n; i++ {
		result[i] = s.items[len(s.items)-1-i]
	}
	return result
}

// GetSince returns failures newer than the given ID (newest first)
func (s *Store) GetSince(lastID int64) []Failure {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Failure
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].ID <= lastID {
			break
		}
		result = append(result, s.items[i])
	}
	return result
}

// CountByKind returns the number of failures ever recorded per kind,
// including ones already evicted from the ring
func (s *Store) CountByKind() map[errs.Kind]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[errs.Kind]int64, len(s.byKind))
	for k, v := range s.byKind {
		out[k] = v
	}
	return out
}

// Count returns the number of retained failures
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// LastID returns the ID of the most recent failure
func (s *Store) LastID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}

// Clear drops retained failures; counters and IDs keep increasing
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = s.items[:0]
}
