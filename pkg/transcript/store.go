package transcript

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound = errors.New("transcript not found")
	ErrEmptyID  = errors.New("transcript id is empty")
)

// Store maps connection ids to transcripts.
type Store interface {
	Create(id string) (bool, error)
	Get(id string) (Transcript, bool)
	Append(id string, turn Turn) (Transcript, error)
	Delete(id string) bool
	IDs() []string
	Len() int
}

// InMemoryStore is a process-local Store. Each entry has its own lock, so sessions
// working on different ids never contend beyond the short map lookup.
type InMemoryStore struct {
	mu           sync.RWMutex
	entries      map[string]*entry
	systemPrompt string
	maxTurns     int
	now          func() time.Time
}

type entry struct {
	mu        sync.Mutex
	turns     Transcript
	lastTouch time.Time
	deleted   bool
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore(systemPrompt string, maxTurns int) *InMemoryStore {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &InMemoryStore{
		entries:      map[string]*entry{},
		systemPrompt: systemPrompt,
		maxTurns:     maxTurns,
		now:          time.Now,
	}
}

func (s *InMemoryStore) MaxTurns() int { return s.maxTurns }

// Create seeds a transcript with the system turn. It returns false when one already exists.
func (s *InMemoryStore) Create(id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return false, nil
	}
	s.entries[id] = &entry{
		turns:     Transcript{System(s.systemPrompt)},
		lastTouch: s.now(),
	}
	return true, nil
}

func (s *InMemoryStore) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	return e, ok
}

func (s *InMemoryStore) Get(id string) (Transcript, bool) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, false
	}
	return e.turns.Clone(), true
}

// Append adds turn at the end and trims to the window. The returned transcript is a copy.
func (s *InMemoryStore) Append(id string, turn Turn) (Transcript, error) {
	if turn.Role == RoleSystem {
		return nil, errors.New("system turns are fixed at creation")
	}
	e, ok := s.lookup(id)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "append to %q", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, errors.Wrapf(ErrNotFound, "append to %q", id)
	}
	e.turns = trim(append(e.turns, turn), s.maxTurns)
	e.lastTouch = s.now()
	return e.turns.Clone(), nil
}

func (s *InMemoryStore) Delete(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.deleted = true
	e.turns = nil
	e.mu.Unlock()
	return true
}

func (s *InMemoryStore) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep deletes transcripts that have no live connection and were not touched within idle.
func (s *InMemoryStore) Sweep(now time.Time, idle time.Duration, live func(id string) bool) int {
	if idle <= 0 {
		return 0
	}
	if now.IsZero() {
		now = s.now()
	}
	s.mu.RLock()
	candidates := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		candidates[id] = e
	}
	s.mu.RUnlock()

	swept := 0
	for id, e := range candidates {
		if live != nil && live(id) {
			continue
		}
		e.mu.Lock()
		last := e.lastTouch
		e.mu.Unlock()
		if now.Sub(last) < idle {
			continue
		}
		s.mu.Lock()
		current, ok := s.entries[id]
		if !ok || current != e {
			s.mu.Unlock()
			continue
		}
		delete(s.entries, id)
		s.mu.Unlock()
		e.mu.Lock()
		e.deleted = true
		e.turns = nil
		e.mu.Unlock()
		swept++
	}
	return swept
}

// StartSweepLoop runs Sweep every interval until ctx is done.
func (s *InMemoryStore) StartSweepLoop(ctx context.Context, interval, idle time.Duration, live func(id string) bool) {
	if ctx == nil {
		panic("transcript: StartSweepLoop requires non-nil ctx")
	}
	if interval <= 0 || idle <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := s.Sweep(now, idle, live); n > 0 {
					log.Info().Str("component", "transcript").Int("swept", n).Msg("removed orphaned transcripts")
				}
			}
		}
	}()
}
