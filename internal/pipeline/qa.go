package pipeline

import (
	"context"
	"sync/atomic"

	apperrors "github.com/lectern-ai/platform/internal/errors"
	"github.com/lectern-ai/platform/internal/llm"
	"github.com/lectern-ai/platform/internal/resilience"
	"github.com/lectern-ai/platform/internal/session"
	"github.com/lectern-ai/platform/internal/trace"
)

// Ask appends a question to the session's conversation memory and streams the
// answer through the session channel as QA events. Returns the new turn index
// immediately; the answer is generated asynchronously. Requires the session's
// notes to exist already, since they anchor the answer context.
func (r *Runner) Ask(ctx context.Context, sessionID, question string) (int, error) {
	if _, err := r.db.LoadSession(ctx, sessionID); err != nil {
		return 0, err
	}

	notes, err := r.db.LoadArtifact(ctx, sessionID, session.ArtifactNotes)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return 0, apperrors.New(apperrors.CodeInvalidRequest, "session has no notes yet, process it first")
	}
	if err != nil {
		return 0, err
	}

	ac := llm.AnswerContext{Notes: notes}
	if transcript, err := r.db.LoadArtifact(ctx, sessionID, session.ArtifactTranscript); err == nil {
		ac.Transcript = transcript
	}
	if quiz, err := r.db.LoadArtifact(ctx, sessionID, session.ArtifactQuiz); err == nil {
		ac.Quiz = quiz
	}

	mem, err := r.memory(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	history := mem.History()
	idx := mem.Append(question)

	if err := r.db.AppendTurn(ctx, sessionID, idx, question); err != nil {
		return 0, err
	}
	r.events.Send(sessionID, session.QAEvent{TurnIndex: idx, Question: question})

	go r.answer(context.WithoutCancel(ctx), sessionID, idx, question, ac, history, mem)
	return idx, nil
}

// answer streams one reply and commits it to memory and persistence. A failed
// exchange leaves the turn unanswered; later turns skip it as context.
func (r *Runner) answer(ctx context.Context, sessionID string, idx int, question string, ac llm.AnswerContext, history []session.Turn, mem *session.Memory) {
	ctx, span := trace.StartSpan(ctx, "qa_answer")
	defer span.End()
	span.SetAttr("session_id", sessionID)
	span.SetAttr("turn_index", idx)

	log := trace.Logger(ctx)

	var emitted atomic.Bool
	cfg := r.retryConfig(nil)
	inner := cfg.IsRetryable
	cfg.IsRetryable = func(err error) bool {
		return !emitted.Load() && inner(err)
	}

	var answer string
	err := resilience.Retry(ctx, cfg, func() error {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.LLMCallTimeout)
		defer cancel()

		var gerr error
		answer, gerr = r.gen.Answer(cctx, ac, history, question, func(fragment string) {
			emitted.Store(true)
			r.events.Send(sessionID, session.QAEvent{TurnIndex: idx, Fragment: fragment})
		})
		return gerr
	})
	if err != nil {
		span.SetAttr("error", err.Error())
		log.Error("answer generation failed", "session_id", sessionID, "turn", idx, "error", err)
		r.events.Send(sessionID, session.QAEvent{TurnIndex: idx, Done: true, Err: err.Error()})
		return
	}

	if err := mem.SetAnswer(idx, answer); err != nil {
		log.Error("commit answer to memory failed", "turn", idx, "error", err)
	}
	if err := r.db.SetTurnAnswer(ctx, sessionID, idx, answer); err != nil {
		log.Error("persist answer failed", "turn", idx, "error", err)
	}
	r.events.Send(sessionID, session.QAEvent{TurnIndex: idx, Done: true})
}

// memory returns the session's conversation memory, seeding it from
// persistence on first use after a restart.
func (r *Runner) memory(ctx context.Context, sessionID string) (*session.Memory, error) {
	existing, _ := r.memories.Read(func(m map[string]*session.Memory) any {
		return m[sessionID]
	}).(*session.Memory)
	if existing != nil {
		return existing, nil
	}

	turns, err := r.db.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	mem := r.memories.Update(func(m *map[string]*session.Memory) any {
		if cur, ok := (*m)[sessionID]; ok {
			return cur
		}
		fresh := session.NewMemory()
		fresh.Restore(turns)
		(*m)[sessionID] = fresh
		return fresh
	}).(*session.Memory)
	return mem, nil
}

// Forget drops the session's in-memory state. Called when the session is
// deleted; persisted rows are the owner's problem.
func (r *Runner) Forget(sessionID string) {
	r.memories.Write(func(m *map[string]*session.Memory) {
		delete(*m, sessionID)
	})
}
