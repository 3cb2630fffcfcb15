// Package calllog persists a JSON record of every finished call.
package calllog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentplexus/voicecall/callstate"
)

// ErrNotFound is returned when no entry exists for a call.
var ErrNotFound = errors.New("call log entry not found")

// Entry is the stored record of one call.
type Entry struct {
	ID                 string           `json:"id"`
	CallID             string           `json:"call_id"`
	From               string           `json:"from"`
	To                 string           `json:"to"`
	SessionKey         string           `json:"session_key,omitempty"`
	Status             string           `json:"status"`
	EndReason          string           `json:"end_reason,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	AnsweredAt         time.Time        `json:"answered_at,omitempty"`
	EndedAt            time.Time        `json:"ended_at"`
	DurationSeconds    float64          `json:"duration_seconds"`
	Summary            string           `json:"summary"`
	Turns              []callstate.Turn `json:"turns,omitempty"`
	DroppedTranscripts int              `json:"dropped_transcripts,omitempty"`
	DroppedSpeech      int              `json:"dropped_speech,omitempty"`
}

// FromState builds an entry from a finished call.
func FromState(st callstate.State, summary string) Entry {
	return Entry{
		CallID:             st.ID,
		From:               st.From,
		To:                 st.To,
		SessionKey:         st.SessionKey,
		Status:             st.Status.String(),
		EndReason:          st.EndReason,
		CreatedAt:          st.CreatedAt,
		AnsweredAt:         st.AnsweredAt,
		EndedAt:            st.EndedAt,
		DurationSeconds:    st.Duration().Seconds(),
		Summary:            summary,
		Turns:              st.Turns,
		DroppedTranscripts: st.DroppedTranscripts,
		DroppedSpeech:      st.DroppedSpeech,
	}
}

// Store keeps one JSON file per call in a directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates dir if needed.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("call log directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create call log dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save writes e, assigning an ID if it has none.
func (s *Store) Save(e Entry) (Entry, error) {
	if e.CallID == "" {
		return Entry{}, fmt.Errorf("call id is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EndedAt.IsZero() {
		e.EndedAt = time.Now()
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("marshal call log: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(e.CallID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Entry{}, fmt.Errorf("write call log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Entry{}, fmt.Errorf("write call log: %w", err)
	}
	return e, nil
}

// Get returns the entry for callID.
func (s *Store) Get(callID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.read(s.path(callID))
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	return e, err
}

// List returns every entry, most recently ended first.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := s.files()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		e, err := s.read(p)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EndedAt.After(entries[j].EndedAt)
	})
	return entries, nil
}

// Prune deletes entries that ended before cutoff and returns how many went.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := s.files()
	if err != nil {
		return 0, err
	}
	var n int
	for _, p := range paths {
		e, err := s.read(p)
		if err != nil {
			continue
		}
		if e.EndedAt.Before(cutoff) {
			if err := os.Remove(p); err != nil {
				return n, fmt.Errorf("prune call log: %w", err)
			}
			n++
		}
	}
	return n, nil
}

func (s *Store) path(callID string) string {
	return filepath.Join(s.dir, sanitize(callID)+".json")
}

func (s *Store) files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list call logs: %w", err)
	}
	return matches, nil
}

func (s *Store) read(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("parse call log %s: %w", filepath.Base(path), err)
	}
	return e, nil
}

// sanitize keeps call IDs safe as file names.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
