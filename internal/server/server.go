// Package server provides HTTP and WebSocket handlers
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	apperrors "github.com/lectern-ai/platform/internal/errors"
	"github.com/lectern-ai/platform/internal/media"
	"github.com/lectern-ai/platform/internal/pipeline"
	"github.com/lectern-ai/platform/internal/session"
	"github.com/lectern-ai/platform/internal/trace"
)

// Inbound message types.
type Message struct {
	Type string `json:"type"`
}

type ProcessMessage struct {
	Type              string `json:"type"`
	GenerateQuiz      bool   `json:"generate_quiz"`
	ExtraInstructions string `json:"extra_instructions,omitempty"`
}

type AskMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Outbound message types.
type StatusMessage struct {
	Type       string   `json:"type"`
	Status     string   `json:"status"`
	Processing bool     `json:"processing"`
	Artifacts  []string `json:"artifacts"`
}

type StageMessage struct {
	Type   string `json:"type"`
	Stage  string `json:"stage"`
	Detail string `json:"detail,omitempty"`
}

type ProgressMessage struct {
	Type   string `json:"type"`
	Stage  string `json:"stage"`
	Done   int    `json:"done"`
	Total  int    `json:"total"`
	Detail string `json:"detail,omitempty"`
}

type ChunkMessage struct {
	Type    string `json:"type"`
	Stage   string `json:"stage"`
	Content string `json:"content"`
}

type QAStartMessage struct {
	Type     string `json:"type"`
	Turn     int    `json:"turn"`
	Question string `json:"question"`
}

type QAChunkMessage struct {
	Type    string `json:"type"`
	Turn    int    `json:"turn"`
	Content string `json:"content"`
}

type QADoneMessage struct {
	Type  string `json:"type"`
	Turn  int    `json:"turn"`
	Error string `json:"error,omitempty"`
}

type CompleteMessage struct {
	Type string `json:"type"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Pipeline drives processing runs and Q&A for the server's sessions.
type Pipeline interface {
	Start(ctx context.Context, sessionID string, opts pipeline.Options) error
	Cancel(sessionID string) bool
	Running(sessionID string) bool
	Ask(ctx context.Context, sessionID, question string) (int, error)
	Forget(sessionID string)
}

// Store persists sessions and their artifacts.
type Store interface {
	CreateSession(ctx context.Context, sess *session.Session) error
	LoadSession(ctx context.Context, id string) (*session.Session, error)
	ListSessions(ctx context.Context, userID string) ([]session.Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListArtifacts(ctx context.Context, sessionID string) (map[string]string, error)
	LoadArtifact(ctx context.Context, sessionID, kind string) (string, error)
}

// Blobs stores uploaded source files.
type Blobs interface {
	Store(name string, r io.Reader) (string, error)
	Delete(handle string) error
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	pipe     Pipeline
	db       Store
	blobs    Blobs
	registry *session.Registry
}

// New creates a new server.
func New(pipe Pipeline, db Store, blobs Blobs, registry *session.Registry) *Server {
	return &Server{
		pipe:     pipe,
		db:       db,
		blobs:    blobs,
		registry: registry,
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Session channel endpoint
	mux.HandleFunc("GET /ws/{id}", s.handleWebSocket)

	// REST API
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/sessions/{id}/artifacts/{kind}", s.handleGetArtifact)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	sess, err := s.db.LoadSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	// Get trace context from HTTP upgrade request
	baseCtx := r.Context()
	log := trace.Logger(baseCtx)
	log.Info("session channel connected", "session_id", sessionID, "remote", r.RemoteAddr)

	// A new subscriber displaces any previous one; the write pump below exits
	// when the channel closes, whether by displacement or our own unsubscribe.
	events := s.registry.Subscribe(sessionID, EventBuffer)
	defer s.registry.Unsubscribe(sessionID, events)

	writeCtx, stopWrites := context.WithCancel(context.Background())
	defer stopWrites()
	go func() {
		for evt := range events {
			if msg := outbound(evt); msg != nil {
				_ = wsjson.Write(writeCtx, conn, msg)
			}
		}
	}()

	// Status snapshot so a resubscribing client can catch up. Fragments sent
	// while disconnected are not replayed.
	artifacts, _ := s.db.ListArtifacts(baseCtx, sessionID)
	_ = wsjson.Write(baseCtx, conn, StatusMessage{
		Type:       "status",
		Status:     string(sess.Status),
		Processing: s.pipe.Running(sessionID),
		Artifacts:  sortedKeys(artifacts),
	})

	rl := &rateLimiter{}
	for {
		var msg json.RawMessage
		if err := wsjson.Read(baseCtx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !rl.allow() {
			log.Warn("rate limit exceeded", "session_id", sessionID, "remote", r.RemoteAddr)
			_ = wsjson.Write(baseCtx, conn, ErrorMessage{
				Type:    "error",
				Code:    string(apperrors.CodeRateLimited),
				Message: "rate limit exceeded",
			})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		switch base.Type {
		case "process":
			var proc ProcessMessage
			if err := json.Unmarshal(msg, &proc); err != nil {
				continue
			}
			s.handleProcess(baseCtx, conn, sessionID, proc)

		case "ask":
			var ask AskMessage
			if err := json.Unmarshal(msg, &ask); err != nil {
				continue
			}
			s.handleAsk(baseCtx, conn, sessionID, ask.Message)

		case "cancel":
			if !s.pipe.Cancel(sessionID) {
				_ = wsjson.Write(baseCtx, conn, ErrorMessage{
					Type:    "error",
					Code:    string(apperrors.CodeInvalidRequest),
					Message: "no active run to cancel",
				})
			}
		}
	}
}

func (s *Server) handleProcess(ctx context.Context, conn *websocket.Conn, sessionID string, proc ProcessMessage) {
	ctx, span := trace.StartSpan(ctx, "handle_process")
	defer span.End()
	span.SetAttr("session_id", sessionID)

	log := trace.Logger(ctx)
	log.Info("process requested", "session_id", sessionID, "generate_quiz", proc.GenerateQuiz)

	err := s.pipe.Start(ctx, sessionID, pipeline.Options{
		GenerateQuiz:      proc.GenerateQuiz,
		ExtraInstructions: proc.ExtraInstructions,
	})
	if err != nil {
		span.SetAttr("error", err.Error())
		log.Error("process start failed", "session_id", sessionID, "error", err)
		_ = wsjson.Write(ctx, conn, ErrorMessage{
			Type:    "error",
			Code:    string(apperrors.CodeOf(err)),
			Message: err.Error(),
		})
	}
}

func (s *Server) handleAsk(ctx context.Context, conn *websocket.Conn, sessionID, question string) {
	ctx, span := trace.StartSpan(ctx, "handle_ask")
	defer span.End()
	span.SetAttr("session_id", sessionID)

	log := trace.Logger(ctx)

	if question == "" {
		_ = wsjson.Write(ctx, conn, ErrorMessage{
			Type:    "error",
			Code:    string(apperrors.CodeInvalidRequest),
			Message: "empty question",
		})
		return
	}

	if _, err := s.pipe.Ask(ctx, sessionID, question); err != nil {
		span.SetAttr("error", err.Error())
		log.Error("ask failed", "session_id", sessionID, "error", err)
		_ = wsjson.Write(ctx, conn, ErrorMessage{
			Type:    "error",
			Code:    string(apperrors.CodeOf(err)),
			Message: err.Error(),
		})
	}
}

// outbound maps a session event to its wire message. Unknown events map to
// nil and are skipped.
func outbound(evt any) any {
	switch e := evt.(type) {
	case session.ProgressEvent:
		switch {
		case e.Stage == session.StatusError:
			return ErrorMessage{Type: "error", Code: e.ErrCode, Message: e.Err}
		case e.Stage == session.StatusCompleted:
			return CompleteMessage{Type: "complete"}
		case e.Total > 0:
			return ProgressMessage{Type: "progress", Stage: string(e.Stage), Done: e.Done, Total: e.Total, Detail: e.Detail}
		default:
			return StageMessage{Type: "stage", Stage: string(e.Stage), Detail: e.Detail}
		}
	case session.ChunkEvent:
		return ChunkMessage{Type: "llm_chunk", Stage: string(e.Stage), Content: e.Content}
	case session.QAEvent:
		switch {
		case e.Question != "":
			return QAStartMessage{Type: "qa_start", Turn: e.TurnIndex, Question: e.Question}
		case e.Done:
			return QADoneMessage{Type: "qa_done", Turn: e.TurnIndex, Error: e.Err}
		default:
			return QAChunkMessage{Type: "qa_chunk", Turn: e.TurnIndex, Content: e.Fragment}
		}
	}
	return nil
}

// sessionView is the REST representation of a session.
type sessionView struct {
	ID         string    `json:"id"`
	SourceName string    `json:"source_name"`
	Status     string    `json:"status"`
	Processing bool      `json:"processing"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Server) view(sess *session.Session) sessionView {
	return sessionView{
		ID:         sess.ID,
		SourceName: sess.SourceName,
		Status:     string(sess.Status),
		Processing: s.pipe.Running(sess.ID),
		CreatedAt:  sess.CreatedAt,
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := trace.Logger(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.CodeInvalidRequest, "missing file upload"))
		return
	}
	defer func() { _ = file.Close() }()

	if media.Classify(header.Filename) == media.KindUnknown {
		writeError(w, apperrors.Newf(apperrors.CodeUnsupportedFormat, "unsupported source type %q", header.Filename))
		return
	}

	handle, err := s.blobs.Store(header.Filename, file)
	if err != nil {
		writeError(w, err)
		return
	}

	sess := &session.Session{
		ID:         uuid.NewString(),
		UserID:     userID(r),
		SourceRef:  handle,
		SourceName: header.Filename,
		Status:     session.StatusUploaded,
		CreatedAt:  time.Now(),
	}
	if err := s.db.CreateSession(ctx, sess); err != nil {
		_ = s.blobs.Delete(handle)
		writeError(w, err)
		return
	}

	log.Info("session created", "session_id", sess.ID, "source", sess.SourceName)
	writeJSON(w, http.StatusCreated, s.view(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.db.ListSessions(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for i := range sessions {
		views = append(views, s.view(&sessions[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := s.db.LoadSession(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	artifacts, err := s.db.ListArtifacts(ctx, sess.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	previews := make(map[string]string, len(artifacts))
	for kind, content := range artifacts {
		previews[kind] = preview(content)
	}

	writeJSON(w, http.StatusOK, struct {
		sessionView
		Artifacts map[string]string `json:"artifacts"`
	}{s.view(sess), previews})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	content, err := s.db.LoadArtifact(r.Context(), r.PathValue("id"), kind)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"kind":    kind,
		"content": content,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	sess, err := s.db.LoadSession(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	s.pipe.Cancel(id)
	s.pipe.Forget(id)

	if err := s.db.DeleteSession(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.blobs.Delete(sess.SourceRef); err != nil {
		trace.Logger(ctx).Warn("delete source blob failed", "session_id", id, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func userID(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "local"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeJSON(w, httpStatus(code), map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}

func httpStatus(code apperrors.Code) int {
	switch code {
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeInvalidRequest, apperrors.CodeEmptySource, apperrors.CodeUnknownTurn:
		return http.StatusBadRequest
	case apperrors.CodeUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case apperrors.CodeAuth:
		return http.StatusUnauthorized
	case apperrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// preview truncates artifact content for listings without splitting a rune.
func preview(content string) string {
	if len(content) <= TextPreviewLimit {
		return content
	}
	cut := TextPreviewLimit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "..."
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
