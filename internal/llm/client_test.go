package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	apperrors "github.com/lectern-ai/platform/internal/errors"
	"github.com/lectern-ai/platform/internal/session"
)

// sseServer streams the given fragments as chat completion chunks.
func sseServer(t *testing.T, fragments []string, withDone bool, capture *[]Message) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			var req chatRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			*capture = req.Messages
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frag := range fragments {
			chunk := map[string]any{
				"choices": []map[string]any{{"delta": map[string]string{"content": frag}}},
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		if withDone {
			fmt.Fprint(w, "data: [DONE]\n\n")
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func errorServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamForwardsFragmentsInOrder(t *testing.T) {
	srv := sseServer(t, []string{"# No", "tes", "\n\n- point"}, true, nil)
	c := New(Options{Endpoint: srv.URL, Model: "test"}, nil)

	var got []string
	text, err := c.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(frag string) {
		got = append(got, frag)
	})
	if err != nil {
		t.Fatalf("Stream() = %v", err)
	}
	if text != "# Notes\n\n- point" {
		t.Errorf("assembled = %q, want concatenation of fragments", text)
	}
	if len(got) != 3 || got[0] != "# No" || got[2] != "\n\n- point" {
		t.Errorf("fragments = %q, want arrival order preserved", got)
	}
}

func TestStreamWithoutDoneMarkerFails(t *testing.T) {
	srv := sseServer(t, []string{"partial"}, false, nil)
	c := New(Options{Endpoint: srv.URL, Model: "test"}, nil)

	_, err := c.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	if !apperrors.IsCode(err, apperrors.CodeUnavailable) {
		t.Errorf("code = %v, want %v", apperrors.CodeOf(err), apperrors.CodeUnavailable)
	}
}

func TestStreamErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   apperrors.Code
	}{
		{http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, apperrors.CodeAuth},
		{http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, apperrors.CodeRateLimited},
		{http.StatusTooManyRequests, `{"error":{"message":"out of credit","code":"insufficient_quota"}}`, apperrors.CodeQuotaExhausted},
		{http.StatusInternalServerError, "boom", apperrors.CodeUnavailable},
		{http.StatusBadRequest, `{"error":{"message":"bad payload"}}`, apperrors.CodeInvalidRequest},
	}

	for _, tt := range tests {
		srv := errorServer(t, tt.status, tt.body)
		c := New(Options{Endpoint: srv.URL, Model: "test"}, nil)

		_, err := c.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
		if !apperrors.IsCode(err, tt.want) {
			t.Errorf("status %d: code = %v, want %v", tt.status, apperrors.CodeOf(err), tt.want)
		}
	}
}

func TestNotesPromptCarriesTranscriptAndExtras(t *testing.T) {
	var sent []Message
	srv := sseServer(t, []string{"ok"}, true, &sent)
	c := New(Options{Endpoint: srv.URL, Model: "test"}, nil)

	_, err := c.Notes(context.Background(), "the transcript body", "use bullet lists", nil)
	if err != nil {
		t.Fatalf("Notes() = %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(sent))
	}
	if sent[0].Role != "system" {
		t.Errorf("first role = %q, want system", sent[0].Role)
	}
	user := sent[1].Content
	if !strings.Contains(user, "the transcript body") {
		t.Error("user prompt missing transcript")
	}
	if !strings.Contains(user, "use bullet lists") {
		t.Error("user prompt missing extra instructions")
	}
}

func TestQuizPromptCarriesNotes(t *testing.T) {
	var sent []Message
	srv := sseServer(t, []string{"ok"}, true, &sent)
	c := New(Options{Endpoint: srv.URL, Model: "test"}, nil)

	_, err := c.Quiz(context.Background(), "transcript", "generated notes", nil)
	if err != nil {
		t.Fatalf("Quiz() = %v", err)
	}
	if !strings.Contains(sent[1].Content, "generated notes") {
		t.Error("quiz prompt missing notes content")
	}
}

func TestAnswerReplaysHistoryAndContext(t *testing.T) {
	var sent []Message
	srv := sseServer(t, []string{"answer"}, true, &sent)
	c := New(Options{Endpoint: srv.URL, Model: "test"}, nil)

	history := []session.Turn{
		{Index: 0, Question: "q0", Answer: "a0", Answered: true},
		{Index: 1, Question: "in flight"}, // unanswered, must be skipped
	}
	ac := AnswerContext{Transcript: "transcript text", Notes: "notes text", Quiz: "quiz text"}

	_, err := c.Answer(context.Background(), ac, history, "new question", nil)
	if err != nil {
		t.Fatalf("Answer() = %v", err)
	}

	// system + (q0, a0) + new question
	if len(sent) != 4 {
		t.Fatalf("len(messages) = %d, want 4", len(sent))
	}
	system := sent[0].Content
	for _, part := range []string{"transcript text", "notes text", "quiz text"} {
		if !strings.Contains(system, part) {
			t.Errorf("system message missing %q", part)
		}
	}
	if sent[1].Content != "q0" || sent[1].Role != "user" {
		t.Errorf("history user turn = %+v", sent[1])
	}
	if sent[2].Content != "a0" || sent[2].Role != "assistant" {
		t.Errorf("history assistant turn = %+v", sent[2])
	}
	if sent[3].Content != "new question" {
		t.Errorf("final message = %+v, want new question", sent[3])
	}
}

func TestLoadPromptsMissingFileUsesDefaults(t *testing.T) {
	p, err := LoadPrompts(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("LoadPrompts() = %v", err)
	}
	if p.System.Notes == "" || p.User.Quiz == "" {
		t.Error("defaults not populated")
	}
}

func TestLoadPromptsOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yml")
	content := "system:\n  notes: custom notes role\nuser:\n  quiz: custom quiz prompt\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPrompts(path)
	if err != nil {
		t.Fatalf("LoadPrompts() = %v", err)
	}
	if p.System.Notes != "custom notes role" {
		t.Errorf("System.Notes = %q, want override", p.System.Notes)
	}
	if p.User.Quiz != "custom quiz prompt" {
		t.Errorf("User.Quiz = %q, want override", p.User.Quiz)
	}
	// untouched fields keep defaults
	if p.System.QA == "" {
		t.Error("System.QA lost its default")
	}
}

func TestLoadPromptsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yml")
	if err := os.WriteFile(path, []byte("system: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadPrompts(path); err == nil {
		t.Error("LoadPrompts() = nil, want error for malformed YAML")
	}
}
