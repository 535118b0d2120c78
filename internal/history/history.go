package history

import (
	"errors"
	"fmt"

	"github.com/remodela-ai/demo-flux-copilot/internal/generate"
	"github.com/remodela-ai/demo-flux-copilot/internal/query"
)

var ErrOutOfRange = errors.New("history index out of range")

// Record is one generation shown in the history strip.
type Record struct {
	ID     string
	Key    query.Key
	Prompt string
	Image  *generate.Image
}

// Store is the session's append-only generation history with an optional
// active index. It is owned by the UI update loop and not safe for
// concurrent use.
type Store struct {
	records []Record
	byKey   map[query.Key]int
	active  int
}

func New() *Store {
	return &Store{byKey: make(map[query.Key]int), active: -1}
}

// Append adds e unless a record for the same request identity already
// exists. On append the new record becomes active.
func (s *Store) Append(e *query.Entry) (int, bool) {
	idx, ok := s.Add(e)
	if ok {
		s.active = idx
	}
	return idx, ok
}

// Add is Append without changing the active record. It is used for results
// that resolved after the prompt moved on.
func (s *Store) Add(e *query.Entry) (int, bool) {
	if e == nil || e.Image == nil {
		return -1, false
	}
	if idx, ok := s.byKey[e.Key]; ok {
		return idx, false
	}
	s.records = append(s.records, Record{
		ID:     e.RequestID,
		Key:    e.Key,
		Prompt: e.Key.Prompt,
		Image:  e.Image,
	})
	idx := len(s.records) - 1
	s.byKey[e.Key] = idx
	return idx, true
}

func (s *Store) Select(i int) error {
	if i < 0 || i >= len(s.records) {
		return fmt.Errorf("select %d of %d: %w", i, len(s.records), ErrOutOfRange)
	}
	s.active = i
	return nil
}

func (s *Store) ActiveIndex() (int, bool) {
	if s.active < 0 {
		return 0, false
	}
	return s.active, true
}

func (s *Store) Active() (Record, bool) {
	if s.active < 0 {
		return Record{}, false
	}
	return s.records[s.active], true
}

// ActiveImage returns nil when nothing is active.
func (s *Store) ActiveImage() *generate.Image {
	r, ok := s.Active()
	if !ok {
		return nil
	}
	return r.Image
}

func (s *Store) Len() int {
	return len(s.records)
}

func (s *Store) At(i int) (Record, bool) {
	if i < 0 || i >= len(s.records) {
		return Record{}, false
	}
	return s.records[i], true
}

// Index returns the position of the record with the given id.
func (s *Store) Index(id string) (int, bool) {
	for i, r := range s.records {
		if r.ID == id {
			return i, true
		}
	}
	return 0, false
}

func (s *Store) Contains(key query.Key) bool {
	_, ok := s.byKey[key]
	return ok
}

// Records returns a copy of the history in arrival order.
func (s *Store) Records() []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}
