// Package session holds per-conversation state: the session record and its
// processing status machine, the append-only Q&A memory, and the subscriber
// registry that delivers events to the one live client per session.
package session

import (
	"time"

	apperrors "github.com/lectern-ai/platform/internal/errors"
)

// Status is a processing pipeline stage.
type Status string

const (
	StatusUploaded        Status = "uploaded"
	StatusSplitting       Status = "splitting"
	StatusTranscribing    Status = "transcribing"
	StatusGeneratingNotes Status = "generating_notes"
	StatusGeneratingQuiz  Status = "generating_quiz"
	StatusCompleted       Status = "completed"
	StatusError           Status = "error"
)

// transitions is the edge table of the status machine. Quiz is skippable,
// error is reachable from every non-terminal state, terminal states absorb.
var transitions = map[Status][]Status{
	StatusUploaded:        {StatusSplitting, StatusError},
	StatusSplitting:       {StatusTranscribing, StatusError},
	StatusTranscribing:    {StatusGeneratingNotes, StatusError},
	StatusGeneratingNotes: {StatusGeneratingQuiz, StatusCompleted, StatusError},
	StatusGeneratingQuiz:  {StatusCompleted, StatusError},
	StatusCompleted:       {},
	StatusError:           {},
}

// CanTransition reports whether moving from s to next is a legal forward step.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Session identifies one user's working context.
type Session struct {
	ID         string
	UserID     string
	SourceRef  string // handle into blob storage
	SourceName string // original upload filename, drives format detection
	Status     Status
	CreatedAt  time.Time
}

// Advance moves the session status forward, rejecting regressions.
func (s *Session) Advance(next Status) error {
	if !s.Status.CanTransition(next) {
		return apperrors.Newf(apperrors.CodeInternal, "illegal status transition %s -> %s", s.Status, next)
	}
	s.Status = next
	return nil
}

// Artifact kinds persisted per session.
const (
	ArtifactTranscript = "transcript"
	ArtifactNotes      = "notes"
	ArtifactQuiz       = "quiz"
)
