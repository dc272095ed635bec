// Package llm wraps the external generation service: an OpenAI-compatible
// streaming chat API used for notes, quiz, and Q&A generation. One call is one
// logical attempt; retry policy lives at the call site.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/lectern-ai/platform/internal/errors"
	"github.com/lectern-ai/platform/internal/resilience"
	"github.com/lectern-ai/platform/internal/session"
)

// Message is one chat turn sent to the generation service.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options configures the client.
type Options struct {
	Endpoint    string // base URL, /chat/completions is appended
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Client talks to the generation service.
type Client struct {
	opts    Options
	http    *http.Client
	breaker *resilience.Breaker
	prompts *PromptSet
}

// New creates a generation client with the given prompt set.
func New(opts Options, prompts *PromptSet) *Client {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4000
	}
	if opts.Temperature <= 0 {
		opts.Temperature = 0.7
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	return &Client{
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		breaker: resilience.New(resilience.SlowConfig()),
		prompts: prompts,
	}
}

// Notes generates a structured notes document from the transcript, forwarding
// fragments through onDelta as they arrive. Returns the assembled document.
func (c *Client) Notes(ctx context.Context, transcript, extraInstructions string, onDelta func(string)) (string, error) {
	prompt := c.prompts.User.Notes + "Source text:\n" + transcript
	if extraInstructions != "" {
		prompt += "\n\nAdditional requirements: " + extraInstructions
	}
	return c.Stream(ctx, []Message{
		{Role: "system", Content: c.prompts.System.Notes},
		{Role: "user", Content: prompt},
	}, onDelta)
}

// Quiz generates a quiz document from the transcript and the notes produced
// for it.
func (c *Client) Quiz(ctx context.Context, transcript, notes string, onDelta func(string)) (string, error) {
	prompt := c.prompts.User.Quiz + "Source text:\n" + transcript + "\n\nNotes:\n" + notes
	return c.Stream(ctx, []Message{
		{Role: "system", Content: c.prompts.System.Quiz},
		{Role: "user", Content: prompt},
	}, onDelta)
}

// AnswerContext is the session material a Q&A exchange is grounded in.
type AnswerContext struct {
	Transcript string
	Notes      string
	Quiz       string
}

// Answer responds to a follow-up question. The accumulated session context
// goes into the system message and prior turns are replayed as alternating
// user/assistant messages.
func (c *Client) Answer(ctx context.Context, ac AnswerContext, history []session.Turn, question string, onDelta func(string)) (string, error) {
	system := c.prompts.System.QA + "\n\nSource text:\n" + ac.Transcript
	if ac.Notes != "" {
		system += "\n\nNotes:\n" + ac.Notes
	}
	if ac.Quiz != "" {
		system += "\n\nQuiz:\n" + ac.Quiz
	}

	messages := make([]Message, 0, 2*len(history)+2)
	messages = append(messages, Message{Role: "system", Content: system})
	for _, turn := range history {
		if !turn.Answered {
			continue
		}
		messages = append(messages,
			Message{Role: "user", Content: turn.Question},
			Message{Role: "assistant", Content: turn.Answer},
		)
	}
	messages = append(messages, Message{Role: "user", Content: question})

	return c.Stream(ctx, messages, onDelta)
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Stream performs one streaming chat call, forwarding each content delta in
// arrival order. Returns the concatenated output exactly when the stream
// finished cleanly.
func (c *Client) Stream(ctx context.Context, messages []Message, onDelta func(string)) (string, error) {
	text, err := resilience.ExecuteWithResult(c.breaker, func() (string, error) {
		return c.streamOnce(ctx, messages, onDelta)
	})
	if errors.Is(err, resilience.ErrOpen) {
		return "", apperrors.Wrap(err, apperrors.CodeUnavailable, "generation service circuit open")
	}
	return text, err
}

func (c *Client) streamOnce(ctx context.Context, messages []Message, onDelta func(string)) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.opts.Model,
		Messages:    messages,
		Stream:      true,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "encode chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", apperrors.Wrap(err, apperrors.CodeTimeout, "generation call timed out")
		}
		if errors.Is(err, context.Canceled) {
			return "", apperrors.Wrap(err, apperrors.CodeCancelled, "generation call cancelled")
		}
		return "", apperrors.Wrap(err, apperrors.CodeUnavailable, "generation call failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return "", c.responseError(resp)
	}

	var out strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return out.String(), nil
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // keep-alive or vendor extension lines
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			out.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeUnavailable, "generation stream broke mid-flight")
	}
	// EOF without the explicit terminator still counts as a broken stream
	return "", apperrors.New(apperrors.CodeUnavailable, "generation stream ended without done marker")
}

func (c *Client) responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	var parsed apiError
	_ = json.Unmarshal(raw, &parsed)
	detail := parsed.Error.Message
	if detail == "" {
		detail = strings.TrimSpace(string(raw))
	}

	switch {
	case parsed.Error.Code == "insufficient_quota" || parsed.Error.Type == "insufficient_quota":
		return apperrors.Newf(apperrors.CodeQuotaExhausted, "generation quota exhausted: %s", detail)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.Newf(apperrors.CodeAuth, "generation service rejected credentials: %s", detail)
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.Newf(apperrors.CodeRateLimited, "generation service rate limited: %s", detail)
	case resp.StatusCode >= 500:
		return apperrors.Newf(apperrors.CodeUnavailable, "generation service error (%d): %s", resp.StatusCode, detail)
	default:
		return apperrors.Newf(apperrors.CodeInvalidRequest, "generation request rejected (%d): %s", resp.StatusCode, detail)
	}
}
