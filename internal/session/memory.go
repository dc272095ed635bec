package session

import (
	"sync"
	"time"

	apperrors "github.com/lectern-ai/platform/internal/errors"
)

// Turn is one question/answer pair. Answer stays empty while the reply is in
// flight; once set the turn is immutable.
type Turn struct {
	Index     int
	Question  string
	Answer    string
	Answered  bool
	CreatedAt time.Time
}

// Memory is the append-only conversation log for one session. Turn indices
// are strictly increasing and committed turns are never mutated or deleted.
type Memory struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewMemory creates an empty conversation memory.
func NewMemory() *Memory {
	return &Memory{}
}

// Append records a new question and returns its turn index.
func (m *Memory) Append(question string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := len(m.turns)
	m.turns = append(m.turns, Turn{
		Index:     idx,
		Question:  question,
		CreatedAt: time.Now(),
	})
	return idx
}

// SetAnswer commits the answer for a previously appended turn.
func (m *Memory) SetAnswer(index int, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.turns) {
		return apperrors.Newf(apperrors.CodeUnknownTurn, "turn %d does not exist", index)
	}
	if m.turns[index].Answered {
		return apperrors.Newf(apperrors.CodeUnknownTurn, "turn %d already answered", index)
	}
	m.turns[index].Answer = answer
	m.turns[index].Answered = true
	return nil
}

// History returns a snapshot of all turns in index order.
func (m *Memory) History() []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Restore seeds memory from persisted turns. Used when a session is reloaded
// after a restart; turns must already be in index order.
func (m *Memory) Restore(turns []Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns[:0], turns...)
}
