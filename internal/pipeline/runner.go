// Package pipeline orchestrates the ingestion-to-generation flow: split the
// source into segments, transcribe them, generate notes (and optionally a
// quiz), and stream progress to the session's subscriber. It also hosts the
// independent Q&A flow against the session's accumulated context.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/lectern-ai/platform/internal/config"
	apperrors "github.com/lectern-ai/platform/internal/errors"
	"github.com/lectern-ai/platform/internal/llm"
	"github.com/lectern-ai/platform/internal/media"
	"github.com/lectern-ai/platform/internal/resilience"
	"github.com/lectern-ai/platform/internal/session"
	"github.com/lectern-ai/platform/internal/syncx"
	"github.com/lectern-ai/platform/internal/trace"
)

// Chunker splits a media file into ordered audio segments.
type Chunker interface {
	Split(ctx context.Context, req media.SplitRequest) (*media.SplitResult, error)
}

// Transcriber converts one audio segment to text. One call, one attempt.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Generator produces notes, quizzes, and answers, streaming fragments
// through the onDelta callback.
type Generator interface {
	Notes(ctx context.Context, transcript, extraInstructions string, onDelta func(string)) (string, error)
	Quiz(ctx context.Context, transcript, notes string, onDelta func(string)) (string, error)
	Answer(ctx context.Context, ac llm.AnswerContext, history []session.Turn, question string, onDelta func(string)) (string, error)
}

// Persistence is the relational collaborator for sessions, artifacts, turns.
type Persistence interface {
	LoadSession(ctx context.Context, id string) (*session.Session, error)
	UpdateStatus(ctx context.Context, id string, status session.Status) error
	SaveArtifact(ctx context.Context, sessionID, kind, content string) error
	LoadArtifact(ctx context.Context, sessionID, kind string) (string, error)
	AppendTurn(ctx context.Context, sessionID string, idx int, question string) error
	SetTurnAnswer(ctx context.Context, sessionID string, idx int, answer string) error
	ListTurns(ctx context.Context, sessionID string) ([]session.Turn, error)
}

// Storage resolves uploaded-source handles.
type Storage interface {
	Path(handle string) (string, error)
	Read(handle string) ([]byte, error)
}

// Sink receives session events. Sends must never block.
type Sink interface {
	Send(sessionID string, event any) bool
}

// Options for one processing run.
type Options struct {
	GenerateQuiz      bool
	ExtraInstructions string
}

// run tracks one in-flight processing run. Closing stop halts new dispatch
// and further retries; in-flight external calls finish on their own timeout.
type run struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func (r *run) cancel() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *run) cancelled() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// Runner owns pipeline execution for all sessions. One run per session at a
// time; sessions run fully in parallel.
type Runner struct {
	cfg     *config.Config
	chunker Chunker
	stt     Transcriber
	gen     Generator
	db      Persistence
	blobs   Storage
	events  Sink

	runs     *syncx.RWGuard[map[string]*run]
	memories *syncx.RWGuard[map[string]*session.Memory]
}

// New creates a runner.
func New(cfg *config.Config, chunker Chunker, stt Transcriber, gen Generator, db Persistence, blobs Storage, events Sink) *Runner {
	return &Runner{
		cfg:      cfg,
		chunker:  chunker,
		stt:      stt,
		gen:      gen,
		db:       db,
		blobs:    blobs,
		events:   events,
		runs:     syncx.NewGuard(make(map[string]*run)),
		memories: syncx.NewGuard(make(map[string]*session.Memory)),
	}
}

// Start launches a processing run for the session. Returns an error if a run
// is already active for it. The run outlives the caller's request context.
func (r *Runner) Start(ctx context.Context, sessionID string, opts Options) error {
	sess, err := r.db.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	active := &run{stop: make(chan struct{})}
	conflict := r.runs.Update(func(m *map[string]*run) any {
		if _, ok := (*m)[sessionID]; ok {
			return true
		}
		(*m)[sessionID] = active
		return false
	}).(bool)
	if conflict {
		return apperrors.Newf(apperrors.CodeInvalidRequest, "session %s is already processing", sessionID)
	}

	// Terminal sessions may be reprocessed; the new run gets a fresh
	// forward-only state sequence. Reset only after winning the run slot so a
	// losing Start never rewrites another run's persisted status.
	if sess.Status.Terminal() {
		sess.Status = session.StatusUploaded
		if err := r.db.UpdateStatus(ctx, sessionID, session.StatusUploaded); err != nil {
			r.runs.Write(func(m *map[string]*run) {
				delete(*m, sessionID)
			})
			return err
		}
	}

	go r.process(context.WithoutCancel(ctx), sess, opts, active)
	return nil
}

// Cancel requests a running session's pipeline to stop. Returns false when no
// run is active.
func (r *Runner) Cancel(sessionID string) bool {
	active, _ := r.runs.Read(func(m map[string]*run) any {
		return m[sessionID]
	}).(*run)
	if active == nil {
		return false
	}
	active.cancel()
	return true
}

// Running reports whether the session has an active processing run.
func (r *Runner) Running(sessionID string) bool {
	return r.runs.Read(func(m map[string]*run) any {
		_, ok := m[sessionID]
		return ok
	}).(bool)
}

// process drives one run to its single terminal event.
func (r *Runner) process(ctx context.Context, sess *session.Session, opts Options, active *run) {
	ctx, span := trace.StartSpan(ctx, "pipeline_run")
	defer span.End()
	span.SetAttr("session_id", sess.ID)

	defer r.runs.Write(func(m *map[string]*run) {
		delete(*m, sess.ID)
	})

	log := trace.Logger(ctx)
	if err := r.execute(ctx, sess, opts, active); err != nil {
		code := apperrors.CodeOf(err)
		span.SetAttr("error", err.Error())
		log.Error("pipeline run failed", "session_id", sess.ID, "code", code, "error", err)

		if aerr := sess.Advance(session.StatusError); aerr != nil {
			log.Error("status transition to error rejected", "error", aerr)
		}
		if uerr := r.db.UpdateStatus(ctx, sess.ID, session.StatusError); uerr != nil {
			log.Error("persist error status failed", "error", uerr)
		}
		r.events.Send(sess.ID, session.ProgressEvent{
			Stage:   session.StatusError,
			Detail:  "processing failed",
			Err:     err.Error(),
			ErrCode: string(code),
		})
		return
	}
	log.Info("pipeline run completed", "session_id", sess.ID)
}

// execute runs the stage sequence. On success the session ends in completed
// with its terminal event already emitted; any error leaves the session in a
// non-terminal state for process to finalize.
func (r *Runner) execute(ctx context.Context, sess *session.Session, opts Options, active *run) error {
	if err := r.advance(ctx, sess, session.StatusSplitting, "splitting source into segments"); err != nil {
		return err
	}

	transcript, err := r.assembleTranscript(ctx, sess, active)
	if err != nil {
		return err
	}
	if active.cancelled() {
		return cancelledError()
	}

	r.events.Send(sess.ID, session.ProgressEvent{
		Stage:  session.StatusTranscribing,
		Detail: fmt.Sprintf("transcript assembled, %d characters", len(transcript)),
	})
	if err := r.db.SaveArtifact(ctx, sess.ID, session.ArtifactTranscript, transcript); err != nil {
		return err
	}

	if err := r.advance(ctx, sess, session.StatusGeneratingNotes, "generating notes"); err != nil {
		return err
	}
	notes, err := r.generate(ctx, sess, active, session.StatusGeneratingNotes, func(cctx context.Context, onDelta func(string)) (string, error) {
		return r.gen.Notes(cctx, transcript, opts.ExtraInstructions, onDelta)
	})
	if err != nil {
		return err
	}
	if err := r.db.SaveArtifact(ctx, sess.ID, session.ArtifactNotes, notes); err != nil {
		return err
	}

	if opts.GenerateQuiz {
		if active.cancelled() {
			return cancelledError()
		}
		if err := r.advance(ctx, sess, session.StatusGeneratingQuiz, "generating quiz"); err != nil {
			return err
		}
		quiz, err := r.generate(ctx, sess, active, session.StatusGeneratingQuiz, func(cctx context.Context, onDelta func(string)) (string, error) {
			return r.gen.Quiz(cctx, transcript, notes, onDelta)
		})
		if err != nil {
			return err
		}
		if err := r.db.SaveArtifact(ctx, sess.ID, session.ArtifactQuiz, quiz); err != nil {
			return err
		}
	}

	return r.advance(ctx, sess, session.StatusCompleted, "processing complete")
}

// assembleTranscript produces the full transcript for the session's source:
// text sources are read directly, audio/video is split and transcribed.
func (r *Runner) assembleTranscript(ctx context.Context, sess *session.Session, active *run) (string, error) {
	switch kind := media.Classify(sess.SourceName); kind {
	case media.KindText:
		data, err := r.blobs.Read(sess.SourceRef)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(string(data)) == "" {
			return "", apperrors.New(apperrors.CodeEmptySource, "text source is empty")
		}
		if err := r.advance(ctx, sess, session.StatusTranscribing, "text source, transcription skipped"); err != nil {
			return "", err
		}
		return string(data), nil

	case media.KindAudio, media.KindVideo:
		return r.transcribeMedia(ctx, sess, active)

	default:
		return "", apperrors.Newf(apperrors.CodeUnsupportedFormat, "unsupported source type %q", sess.SourceName)
	}
}

func (r *Runner) transcribeMedia(ctx context.Context, sess *session.Session, active *run) (string, error) {
	sourcePath, err := r.blobs.Path(sess.SourceRef)
	if err != nil {
		return "", err
	}

	result, err := r.chunker.Split(ctx, media.SplitRequest{
		SourcePath:     sourcePath,
		SegmentSeconds: r.cfg.SegmentSeconds,
		OverlapSeconds: r.cfg.SegmentOverlapSeconds,
		Concurrency:    r.cfg.SplitConcurrency,
		OnProgress: func(done, total int) {
			r.events.Send(sess.ID, session.ProgressEvent{
				Stage:  session.StatusSplitting,
				Done:   done,
				Total:  total,
				Detail: "extracting audio segments",
			})
		},
	})
	if err != nil {
		return "", err
	}
	// Segment files never outlive their run, whatever the outcome.
	defer func() { _ = result.Cleanup() }()

	if active.cancelled() {
		return "", cancelledError()
	}
	total := len(result.Segments)
	if err := r.advance(ctx, sess, session.StatusTranscribing, fmt.Sprintf("transcribing %d segments", total)); err != nil {
		return "", err
	}

	// Fan out under a bounded pool; transcripts land at their segment index
	// so completion order never affects assembly order.
	texts := make([]string, total)
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.TranscribeConcurrency)
	for i := range result.Segments {
		seg := &result.Segments[i]
		g.Go(func() error {
			if active.cancelled() {
				return cancelledError()
			}
			audio, err := os.ReadFile(seg.Path)
			if err != nil {
				return apperrors.Wrapf(err, apperrors.CodeInternal, "read segment %d", seg.Index)
			}

			var text string
			err = resilience.Retry(gctx, r.retryConfig(active), func() error {
				if active.cancelled() {
					return cancelledError()
				}
				cctx, cancel := context.WithTimeout(gctx, r.cfg.STTCallTimeout)
				defer cancel()
				var terr error
				text, terr = r.stt.Transcribe(cctx, audio)
				return terr
			})
			if err != nil {
				if apperrors.IsCode(err, apperrors.CodeCancelled) {
					return err
				}
				return apperrors.Wrapf(err, apperrors.CodeTranscriptionFailed, "segment %d", seg.Index).
					WithMetadata("segment_index", strconv.Itoa(seg.Index))
			}

			texts[seg.Index] = text
			_ = seg.Remove()

			r.events.Send(sess.ID, session.ProgressEvent{
				Stage:  session.StatusTranscribing,
				Done:   int(done.Add(1)),
				Total:  total,
				Detail: fmt.Sprintf("segment %d transcribed", seg.Index),
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	if active.cancelled() {
		return "", cancelledError()
	}
	return strings.Join(texts, "\n\n"), nil
}

// generate runs one LLM stage under the shared retry policy, forwarding
// fragments as chunk events. Once a fragment has been delivered the attempt
// is no longer retried: fragment delivery is at-most-once.
func (r *Runner) generate(ctx context.Context, sess *session.Session, active *run, stage session.Status, call func(context.Context, func(string)) (string, error)) (string, error) {
	var emitted atomic.Bool

	cfg := r.retryConfig(active)
	inner := cfg.IsRetryable
	cfg.IsRetryable = func(err error) bool {
		return !emitted.Load() && inner(err)
	}

	var out string
	err := resilience.Retry(ctx, cfg, func() error {
		if active.cancelled() {
			return cancelledError()
		}
		cctx, cancel := context.WithTimeout(ctx, r.cfg.LLMCallTimeout)
		defer cancel()

		var gerr error
		out, gerr = call(cctx, func(fragment string) {
			emitted.Store(true)
			r.events.Send(sess.ID, session.ChunkEvent{Stage: stage, Content: fragment})
		})
		return gerr
	})
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeCancelled) {
			return "", err
		}
		return "", apperrors.Wrapf(err, apperrors.CodeGenerationFailed, "%s stage failed", stage)
	}
	return out, nil
}

// advance moves the session forward, persists the new status, and emits the
// stage's progress event.
func (r *Runner) advance(ctx context.Context, sess *session.Session, next session.Status, detail string) error {
	if err := sess.Advance(next); err != nil {
		return err
	}
	if err := r.db.UpdateStatus(ctx, sess.ID, next); err != nil {
		return err
	}
	r.events.Send(sess.ID, session.ProgressEvent{Stage: next, Detail: detail})
	return nil
}

// retryConfig builds the one shared retry policy for all external calls in a
// run. A cancelled run stops retrying. RetryMaxAttempts counts total attempts,
// so one attempt means zero retries.
func (r *Runner) retryConfig(active *run) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries: max(r.cfg.RetryMaxAttempts-1, 0),
		BaseDelay:  r.cfg.RetryBaseDelay,
		MaxDelay:   r.cfg.RetryMaxDelay,
		IsRetryable: func(err error) bool {
			if active != nil && active.cancelled() {
				return false
			}
			return apperrors.IsRetryable(err)
		},
	}
}

func cancelledError() error {
	return apperrors.New(apperrors.CodeCancelled, "processing cancelled by user")
}
