package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lectern-ai/platform/internal/config"
	apperrors "github.com/lectern-ai/platform/internal/errors"
	"github.com/lectern-ai/platform/internal/llm"
	"github.com/lectern-ai/platform/internal/media"
	"github.com/lectern-ai/platform/internal/session"
)

// fakeChunker materializes real segment files so cleanup can be observed.
type fakeChunker struct {
	mu       sync.Mutex
	segments int
	err      error
	dir      string
}

func (f *fakeChunker) Split(_ context.Context, req media.SplitRequest) (*media.SplitResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	dir, err := os.MkdirTemp("", "fake-segments-")
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.dir = dir
	f.mu.Unlock()

	segs := make([]media.Segment, f.segments)
	for i := range segs {
		path := filepath.Join(dir, fmt.Sprintf("chunk_%03d.mp3", i+1))
		if err := os.WriteFile(path, []byte(fmt.Sprintf("audio-%d", i)), 0o644); err != nil {
			return nil, err
		}
		start := time.Duration(i*req.SegmentSeconds) * time.Second
		segs[i] = media.Segment{Index: i, Start: start, End: start + time.Duration(req.SegmentSeconds)*time.Second, Path: path}
	}
	if req.OnProgress != nil {
		for i := 1; i <= f.segments; i++ {
			req.OnProgress(i, f.segments)
		}
	}
	return media.NewSplitResult(segs, dir, time.Duration(f.segments*req.SegmentSeconds)*time.Second), nil
}

func (f *fakeChunker) tempDir() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dir
}

// fakeSTT transcribes "audio-N" to "text-N" with failure injection.
type fakeSTT struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int // transient failures to serve before success
	fatal    map[string]error
	delays   map[string]time.Duration
	started  chan string   // receives the audio key as each call begins
	gate     chan struct{} // when set, calls block until closed
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{
		calls:    make(map[string]int),
		failures: make(map[string]int),
		fatal:    make(map[string]error),
		delays:   make(map[string]time.Duration),
	}
}

func (f *fakeSTT) Transcribe(_ context.Context, audio []byte) (string, error) {
	key := string(audio)
	f.mu.Lock()
	f.calls[key]++
	remaining := f.failures[key]
	if remaining > 0 {
		f.failures[key]--
	}
	fatal := f.fatal[key]
	delay := f.delays[key]
	f.mu.Unlock()

	if f.started != nil {
		select {
		case f.started <- key:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if fatal != nil {
		return "", fatal
	}
	if remaining > 0 {
		return "", apperrors.New(apperrors.CodeUnavailable, "flaky transcription")
	}
	return strings.Replace(key, "audio", "text", 1), nil
}

func (f *fakeSTT) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeSTT) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// fakeGen serves canned notes/quiz/answers with failure injection.
type fakeGen struct {
	mu             sync.Mutex
	notesCalls     int
	quizCalls      int
	answerCalls    int
	notesFailures  int // transient failures before success
	notesFatal     error
	emitThenFail   bool // emit one fragment, then fail transiently
	notesFragments []string
	gotTranscript  string
	gotExtra       string
	gotQuizNotes   string
	gotHistory     []session.Turn
	answerErr      error
}

func (f *fakeGen) Notes(_ context.Context, transcript, extra string, onDelta func(string)) (string, error) {
	f.mu.Lock()
	f.notesCalls++
	f.gotTranscript = transcript
	f.gotExtra = extra
	failures := f.notesFailures
	if failures > 0 {
		f.notesFailures--
	}
	f.mu.Unlock()

	if f.emitThenFail {
		if onDelta != nil {
			onDelta("partial")
		}
		return "", apperrors.New(apperrors.CodeUnavailable, "stream broke")
	}
	if f.notesFatal != nil {
		return "", f.notesFatal
	}
	if failures > 0 {
		return "", apperrors.New(apperrors.CodeUnavailable, "flaky generation")
	}
	for _, frag := range f.notesFragments {
		if onDelta != nil {
			onDelta(frag)
		}
	}
	return "the notes", nil
}

func (f *fakeGen) Quiz(_ context.Context, transcript, notes string, onDelta func(string)) (string, error) {
	f.mu.Lock()
	f.quizCalls++
	f.gotQuizNotes = notes
	f.mu.Unlock()
	return "the quiz", nil
}

func (f *fakeGen) Answer(_ context.Context, _ llm.AnswerContext, history []session.Turn, question string, onDelta func(string)) (string, error) {
	f.mu.Lock()
	f.answerCalls++
	f.gotHistory = append([]session.Turn(nil), history...)
	f.mu.Unlock()

	if f.answerErr != nil {
		return "", f.answerErr
	}
	if onDelta != nil {
		onDelta("answer ")
		onDelta("to " + question)
	}
	return "answer to " + question, nil
}

// fakeDB is a single-session in-memory Persistence.
type fakeDB struct {
	mu        sync.Mutex
	sess      session.Session
	statuses  []session.Status
	artifacts map[string]string
	turns     []session.Turn
}

func newFakeDB(sess session.Session) *fakeDB {
	return &fakeDB{sess: sess, artifacts: make(map[string]string)}
}

func (f *fakeDB) LoadSession(_ context.Context, id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.sess.ID {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "session %s not found", id)
	}
	sess := f.sess
	return &sess, nil
}

func (f *fakeDB) UpdateStatus(_ context.Context, id string, status session.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sess.Status = status
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeDB) SaveArtifact(_ context.Context, _, kind, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[kind] = content
	return nil
}

func (f *fakeDB) LoadArtifact(_ context.Context, _, kind string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.artifacts[kind]
	if !ok {
		return "", apperrors.Newf(apperrors.CodeNotFound, "artifact %s not found", kind)
	}
	return content, nil
}

func (f *fakeDB) AppendTurn(_ context.Context, _ string, idx int, question string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, session.Turn{Index: idx, Question: question})
	return nil
}

func (f *fakeDB) SetTurnAnswer(_ context.Context, _ string, idx int, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx < 0 || idx >= len(f.turns) {
		return apperrors.Newf(apperrors.CodeUnknownTurn, "turn %d", idx)
	}
	f.turns[idx].Answer = answer
	f.turns[idx].Answered = true
	return nil
}

func (f *fakeDB) ListTurns(_ context.Context, _ string) ([]session.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Turn(nil), f.turns...), nil
}

func (f *fakeDB) statusHistory() []session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Status(nil), f.statuses...)
}

func (f *fakeDB) artifact(kind string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.artifacts[kind]
	return v, ok
}

// fakeBlobs resolves every handle to one fixed source.
type fakeBlobs struct {
	path    string
	content []byte
}

func (f *fakeBlobs) Path(string) (string, error) { return f.path, nil }
func (f *fakeBlobs) Read(string) ([]byte, error) { return f.content, nil }

// fakeSink records events and signals terminal progress events.
type fakeSink struct {
	mu       sync.Mutex
	events   []any
	terminal chan session.ProgressEvent
}

func newFakeSink() *fakeSink {
	return &fakeSink{terminal: make(chan session.ProgressEvent, 4)}
}

func (f *fakeSink) Send(_ string, event any) bool {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()

	if pe, ok := event.(session.ProgressEvent); ok && pe.Stage.Terminal() {
		f.terminal <- pe
	}
	return true
}

func (f *fakeSink) all() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.events...)
}

func (f *fakeSink) chunkContents() []string {
	var out []string
	for _, e := range f.all() {
		if ce, ok := e.(session.ChunkEvent); ok {
			out = append(out, ce.Content)
		}
	}
	return out
}

func (f *fakeSink) qaEvents() []session.QAEvent {
	var out []session.QAEvent
	for _, e := range f.all() {
		if qa, ok := e.(session.QAEvent); ok {
			out = append(out, qa)
		}
	}
	return out
}

func (f *fakeSink) terminalCount() int {
	n := 0
	for _, e := range f.all() {
		if pe, ok := e.(session.ProgressEvent); ok && pe.Stage.Terminal() {
			n++
		}
	}
	return n
}

func waitTerminal(t *testing.T, sink *fakeSink) session.ProgressEvent {
	t.Helper()
	select {
	case evt := <-sink.terminal:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal event")
		return session.ProgressEvent{}
	}
}

func testConfig() *config.Config {
	return &config.Config{
		SegmentSeconds:        30,
		SplitConcurrency:      2,
		TranscribeConcurrency: 4,
		RetryMaxAttempts:      3,
		RetryBaseDelay:        time.Millisecond,
		RetryMaxDelay:         5 * time.Millisecond,
		STTCallTimeout:        5 * time.Second,
		LLMCallTimeout:        5 * time.Second,
	}
}

type harness struct {
	runner  *Runner
	chunker *fakeChunker
	stt     *fakeSTT
	gen     *fakeGen
	db      *fakeDB
	sink    *fakeSink
}

func newHarness(t *testing.T, sourceName string, segments int) *harness {
	t.Helper()
	h := &harness{
		chunker: &fakeChunker{segments: segments},
		stt:     newFakeSTT(),
		gen:     &fakeGen{},
		sink:    newFakeSink(),
	}
	h.db = newFakeDB(session.Session{
		ID:         "s1",
		UserID:     "u1",
		SourceRef:  "blob-1",
		SourceName: sourceName,
		Status:     session.StatusUploaded,
		CreatedAt:  time.Now(),
	})
	blobs := &fakeBlobs{path: filepath.Join(t.TempDir(), sourceName), content: []byte("text file body")}
	h.runner = New(testConfig(), h.chunker, h.stt, h.gen, h.db, blobs, h.sink)
	return h
}

func assertMonotonic(t *testing.T, statuses []session.Status) {
	t.Helper()
	prev := session.StatusUploaded
	for _, s := range statuses {
		if !prev.CanTransition(s) {
			t.Errorf("illegal transition %s -> %s in %v", prev, s, statuses)
		}
		prev = s
	}
}

func TestRunNotesOnly(t *testing.T) {
	h := newHarness(t, "lecture.mp4", 2)

	if err := h.runner.Start(context.Background(), "s1", Options{}); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	evt := waitTerminal(t, h.sink)
	if evt.Stage != session.StatusCompleted {
		t.Fatalf("terminal stage = %s (%s), want completed", evt.Stage, evt.Err)
	}

	statuses := h.db.statusHistory()
	want := []session.Status{
		session.StatusSplitting,
		session.StatusTranscribing,
		session.StatusGeneratingNotes,
		session.StatusCompleted,
	}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("statuses[%d] = %s, want %s", i, statuses[i], want[i])
		}
	}
	assertMonotonic(t, statuses)

	if transcript, _ := h.db.artifact(session.ArtifactTranscript); transcript != "text-0\n\ntext-1" {
		t.Errorf("transcript = %q, want index-ordered concatenation", transcript)
	}
	if notes, _ := h.db.artifact(session.ArtifactNotes); notes != "the notes" {
		t.Errorf("notes = %q", notes)
	}
	if _, ok := h.db.artifact(session.ArtifactQuiz); ok {
		t.Error("quiz artifact exists, want none when not requested")
	}
	if h.sink.terminalCount() != 1 {
		t.Errorf("terminal events = %d, want exactly 1", h.sink.terminalCount())
	}
}

func TestRunTranscriptOrderIndependentOfCompletion(t *testing.T) {
	h := newHarness(t, "lecture.mp4", 3)
	// earlier segments finish last
	h.stt.delays["audio-0"] = 60 * time.Millisecond
	h.stt.delays["audio-1"] = 30 * time.Millisecond

	if err := h.runner.Start(context.Background(), "s1", Options{}); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if evt := waitTerminal(t, h.sink); evt.Stage != session.StatusCompleted {
		t.Fatalf("terminal stage = %s (%s)", evt.Stage, evt.Err)
	}

	if transcript, _ := h.db.artifact(session.ArtifactTranscript); transcript != "text-0\n\ntext-1\n\ntext-2" {
		t.Errorf("transcript = %q, want index order regardless of completion order", transcript)
	}
}

func TestRunSegmentRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, "lecture.mp4", 3)
	h.stt.failures["audio-1"] = 2 // fails twice, third attempt succeeds

	if err := h.runner.Start(context.Background(), "s1", Options{}); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if evt := waitTerminal(t, h.sink); evt.Stage != session.StatusCompleted {
		t.Fatalf("terminal stage = %s (%s)", evt.Stage, evt.Err)
	}

	if got := h.stt.callCount("audio-1"); got != 3 {
		t.Errorf("segment 1 external calls = %d, want 3", got)
	}
	if transcript, _ := h.db.artifact(session.ArtifactTranscript); !strings.Contains(transcript, "\n\ntext-1\n\n") {
		t.Errorf("transcript = %q, segment 1 text out of place", transcript)
	}
}

func TestRunSegmentRetriesExhausted(t *testing.T) {
	h := newHarness(t, "lecture.mp4", 2)
	h.stt.failures["audio-0"] = 99

	if err := h.runner.Start(context.Background(), "s1", Options{}); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	evt := waitTerminal(t, h.sink)
	if evt.Stage != session.StatusError {
		t.Fatalf("terminal stage = %s, want error", evt.Stage)
	}
	if evt.ErrCode != string(apperrors.CodeTranscriptionFailed) {
		t.Errorf("ErrCode = %s, want %s", evt.ErrCode, apperrors.CodeTranscriptionFailed)
	}
	// 3 attempts for the failing segment, partial transcript never forwarded
	if got := h.stt.callCount("audio-0"); got != 3 {
		t.Errorf("failing segment calls = %d, want 3", got)
	}
	if _, ok := h.db.artifact(session.ArtifactNotes); ok {
		t.Error("notes artifact exists after failed transcription")
	}
	if h.gen.notesCalls != 0 {
		t.Errorf("generator called %d times after failed transcription, want 0", h.gen.notesCalls)
	}
	if h.sink.terminalCount() != 1 {
		t.Errorf("terminal events = %d, want exactly 1", h.sink.terminalCount())
	}
}

func TestRunSingleAttemptPolicy(t *testing.T) {
	h := newHarness(t, "lecture.mp4", 1)
	h.runner.cfg.RetryMaxAttempts = 1
	h.stt.failures["audio-0"] = 99

	if err := h.runner.Start(context.Background(), "s1", Options{}); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	evt := waitTerminal(t, h.sink)
	if evt.Stage != session.StatusError {
		t.Fatalf("terminal stage = %s, want error", evt.Stage)
	}
	// One total attempt: a transient failure must not be retried.
	if got := h.stt.callCount("audio-0"); got != 1 {
		t.Errorf("external calls = %d, want 1", got)
	}
}

func TestRunChunkerFailure(t *testing.T) {
	h := newHarness(t, "lecture.mp4", 0)
	h.chunker.err = apperrors.New(apperrors.CodeEmptySource, "media has zero duration")

	if err := h.runner.Start(context.Background(), "s1", Options{}); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	evt := waitTerminal(t, h.sink)
	if evt.Stage != session.StatusError || evt.ErrCode != string(apperrors.CodeEmptySource) {
		t.Errorf("terminal = %+v, want error/empty_source", evt)
	}
	if h.stt.totalCalls() != 0 {
		t.Error("transcriber called after chunker failure")
	}
}

func TestRunUnsupportedSource(t *testing.T) {
	h := newHarness(t, "slides.pptx", 0)

	if err := h.runner.Start(context.Background(), "s1", Options{}); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	evt := waitTerminal(t, h.sink)
	if evt.ErrCode != string(apperrors.CodeUnsupportedFormat) {
		t.Errorf("ErrCode = %s, want unsupported_format", evt.ErrCode)
	}
}

func TestRunTextSourceSkipsTranscription(t *testing.T) {
	h := newHarness(t, "notes.md", 0)

	if err := h.runner.Start(context.Background(), "s1", Options{}); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if evt := waitTerminal(t, h.sink); evt.Stage != session.StatusCompleted {
		t.Fatalf("terminal stage = %s (%s)", evt.Stage, evt.Err)
	}

	if h.stt.totalCalls() != 0 {
		t.Error("transcriber called for a text source")
	}
	if transcript, _ := h.db.artifact(session.ArtifactTranscript); transcript != "text file body" {
		t.Errorf("transcript = %q, want raw file content", transcript)
	}
	if h.gen.gotTranscript != "text file body" {
		t.Errorf("generator transcript = %q", h.gen.gotTranscript)
	}
}

func TestRunQuizRequested(t *testing.T) {
	h := newHarness(t, "lecture.mp4", 1)

	if err := h.runner.Start(context.Background(), "s1", Options{GenerateQuiz: true, ExtraInstructions: "short"}); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if evt := waitTerminal(t, h.sink); evt.Stage != session.StatusCompleted {
		t.Fatalf("terminal stage = %s (%s)", evt.Stage, evt.Err)
	}

	statuses := h.db.statusHistory()
	if statuses[len(statuses)-2] != session.StatusGeneratingQuiz {
		t.Errorf("statuses = %v, want generating_quiz before completed", statuses)
	}
	if quiz, _ := h.db.artifact(session.ArtifactQuiz); quiz != "the quiz" {
		t.Errorf("quiz = %q", quiz)
	}
	if h.gen.gotQuizNotes != "the notes" {
		t.Errorf("quiz generation got notes %q, want the notes artifact", h.gen.gotQuizNotes)
	}
	if h.gen.gotExtra != "short" {
		t.Errorf("extra instructions = %q, want %q", h.gen.gotExtra, "short")
	}
}

func TestRunGenerationFatalNotRetried(t *testing.T) {
	h := newHarness(t, "notes.md", 0)
	h.gen.notesFatal = apperrors.New(apperrors.CodeAuth, "bad key")

	if err := h.runner.Start(context.Background(), "s1", Options{}); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	evt := waitTerminal(t, h.sink)
	if evt.ErrCode != string(apperrors.CodeGenerationFailed) {
		t.Errorf("ErrCode = %s, want generation_failed", evt.ErrCode)
	}
	if h.gen.notesCalls != 1 {
		t.Errorf("notes calls = %d, want 1 for fatal failure", h.gen.notesCalls)
	}
}

func TestRunGenerationTransientRetried(t *testing.T) {
	h := newHarness(t, "notes.md", 0)
	h.gen.notesFailures = 1

	if err := h.runner.Start(context.Background(), "s1", Options{}); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if evt := waitTerminal(t, h.sink); evt.Stage != session.StatusCompleted {
		t.Fatalf("terminal stage = %s (%s)", evt.Stage, evt.Err)
	}
	if h.gen.notesCalls != 2 {
		t.Errorf("notes calls = %d, want 2", h.gen.notesCalls)
	}
}

func TestRunNoRetryAfterFragmentDelivered(t *testing.T) {
	h := newHarness(t, "notes.md", 0)
	h.gen.emitThenFail = true

	if err := h.runner.Start(context.Background(), "s1", Options{}); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	evt := waitTerminal(t, h.sink)
	if evt.Stage != session.StatusError {
		t.Fatalf("terminal stage = %s, want error", evt.Stage)
	}
	// A transient failure after fragments went out must not be retried.
	if h.gen.notesCalls != 1 {
		t.Errorf("notes calls = %d, want 1", h.gen.notesCalls)
	}
}

func TestRunStreamsGenerationChunks(t *testing.T) {
	h := newHarness(t, "notes.md", 0)
	h.gen.notesFragments = []string{"# ", "Notes"}

	if err := h.runner.Start(context.Background(), "s1", Options{}); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	waitTerminal(t, h.sink)

	chunks := h.sink.chunkContents()
	if len(chunks) != 2 || chunks[0] != "# " || chunks[1] != "Notes" {
		t.Errorf("chunks = %q, want fragments in arrival order", chunks)
	}
}

func TestRunCancelDuringTranscription(t *testing.T) {
	h := newHarness(t, "lecture.mp4", 3)
	h.stt.started = make(chan string, 8)
	h.stt.gate = make(chan struct{})

	if err := h.runner.Start(context.Background(), "s1", Options{}); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	// Wait for the first transcription to be in flight, then cancel.
	select {
	case <-h.stt.started:
	case <-time.After(5 * time.Second):
		t.Fatal("transcription never started")
	}
	if !h.runner.Cancel("s1") {
		t.Fatal("Cancel() = false, want true")
	}
	close(h.stt.gate) // let in-flight calls finish

	evt := waitTerminal(t, h.sink)
	if evt.Stage != session.StatusError || evt.ErrCode != string(apperrors.CodeCancelled) {
		t.Fatalf("terminal = %+v, want error/cancelled", evt)
	}
	if _, ok := h.db.artifact(session.ArtifactNotes); ok {
		t.Error("notes artifact persisted on cancelled run")
	}
	if h.gen.notesCalls != 0 {
		t.Error("generator invoked on cancelled run")
	}
	if dir := h.chunker.tempDir(); dir != "" {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("segment temp dir %s survived the run", dir)
		}
	}
}

func TestStartConflictsWithActiveRun(t *testing.T) {
	h := newHarness(t, "lecture.mp4", 1)
	h.stt.gate = make(chan struct{})
	h.stt.started = make(chan string, 1)

	if err := h.runner.Start(context.Background(), "s1", Options{}); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	select {
	case <-h.stt.started:
	case <-time.After(5 * time.Second):
		t.Fatal("transcription never started")
	}

	err := h.runner.Start(context.Background(), "s1", Options{})
	if !apperrors.IsCode(err, apperrors.CodeInvalidRequest) {
		t.Errorf("second Start() code = %v, want invalid_request", apperrors.CodeOf(err))
	}

	close(h.stt.gate)
	waitTerminal(t, h.sink)
}

func TestStartConflictLeavesStatusAlone(t *testing.T) {
	h := newHarness(t, "lecture.mp4", 1)
	h.db.sess.Status = session.StatusCompleted

	// A finishing run may still hold the slot after persisting its terminal
	// status; a losing Start must not reset the row to uploaded.
	h.runner.runs.Write(func(m *map[string]*run) {
		(*m)["s1"] = &run{stop: make(chan struct{})}
	})

	err := h.runner.Start(context.Background(), "s1", Options{})
	if !apperrors.IsCode(err, apperrors.CodeInvalidRequest) {
		t.Fatalf("Start() code = %v, want invalid_request", apperrors.CodeOf(err))
	}
	if got := h.db.statusHistory(); len(got) != 0 {
		t.Errorf("status writes = %v, want none from the losing start", got)
	}
}

func TestCancelWithoutRun(t *testing.T) {
	h := newHarness(t, "lecture.mp4", 1)
	if h.runner.Cancel("s1") {
		t.Error("Cancel() = true with no active run")
	}
}

func TestAskStreamsAnswerAndCommitsTurn(t *testing.T) {
	h := newHarness(t, "notes.md", 0)
	h.db.artifacts[session.ArtifactNotes] = "the notes"
	h.db.artifacts[session.ArtifactTranscript] = "the transcript"

	idx, err := h.runner.Ask(context.Background(), "s1", "what is X?")
	if err != nil {
		t.Fatalf("Ask() = %v", err)
	}
	if idx != 0 {
		t.Errorf("turn index = %d, want 0", idx)
	}

	// wait for the done event
	deadline := time.After(5 * time.Second)
	for {
		qa := h.sink.qaEvents()
		if len(qa) > 0 && qa[len(qa)-1].Done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for QA done event")
		case <-time.After(5 * time.Millisecond):
		}
	}

	qa := h.sink.qaEvents()
	if qa[0].Question != "what is X?" {
		t.Errorf("opening event = %+v, want question", qa[0])
	}
	var frags []string
	for _, e := range qa {
		if e.Fragment != "" {
			frags = append(frags, e.Fragment)
		}
	}
	if strings.Join(frags, "") != "answer to what is X?" {
		t.Errorf("fragments = %q", frags)
	}
	if last := qa[len(qa)-1]; !last.Done || last.Err != "" {
		t.Errorf("final event = %+v, want clean done", last)
	}

	turns, _ := h.db.ListTurns(context.Background(), "s1")
	if len(turns) != 1 || !turns[0].Answered || turns[0].Answer != "answer to what is X?" {
		t.Errorf("persisted turns = %+v", turns)
	}

	// a second question gets the next index and sees the first as history
	idx2, err := h.runner.Ask(context.Background(), "s1", "and Y?")
	if err != nil {
		t.Fatalf("second Ask() = %v", err)
	}
	if idx2 != 1 {
		t.Errorf("second turn index = %d, want 1", idx2)
	}

	deadline = time.After(5 * time.Second)
	for {
		h.gen.mu.Lock()
		calls := h.gen.answerCalls
		h.gen.mu.Unlock()
		if calls == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("second answer never generated")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if len(h.gen.gotHistory) != 1 || h.gen.gotHistory[0].Question != "what is X?" {
		t.Errorf("history = %+v, want first turn", h.gen.gotHistory)
	}
}

func TestAskRequiresNotes(t *testing.T) {
	h := newHarness(t, "notes.md", 0)

	_, err := h.runner.Ask(context.Background(), "s1", "too early?")
	if !apperrors.IsCode(err, apperrors.CodeInvalidRequest) {
		t.Errorf("Ask() code = %v, want invalid_request", apperrors.CodeOf(err))
	}
}

func TestAskFailureLeavesTurnUnanswered(t *testing.T) {
	h := newHarness(t, "notes.md", 0)
	h.db.artifacts[session.ArtifactNotes] = "the notes"
	h.gen.answerErr = apperrors.New(apperrors.CodeAuth, "bad key")

	if _, err := h.runner.Ask(context.Background(), "s1", "doomed?"); err != nil {
		t.Fatalf("Ask() = %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		qa := h.sink.qaEvents()
		if len(qa) > 0 && qa[len(qa)-1].Done {
			if qa[len(qa)-1].Err == "" {
				t.Error("done event carries no error")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for QA failure event")
		case <-time.After(5 * time.Millisecond):
		}
	}

	turns, _ := h.db.ListTurns(context.Background(), "s1")
	if len(turns) != 1 || turns[0].Answered {
		t.Errorf("turns = %+v, want single unanswered turn", turns)
	}
}
