// Package stt wraps the external speech-to-text service. One Transcribe call
// is one logical attempt: submit the audio, then poll until the task settles.
// Retry policy lives at the call site, not here.
package stt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/lectern-ai/platform/internal/errors"
	"github.com/lectern-ai/platform/internal/resilience"
	"github.com/lectern-ai/platform/internal/trace"
)

// Service status codes carried in the X-Api-Status-Code response header.
const (
	statusDone      = "20000000"
	statusPending   = "20000001"
	statusQueued    = "20000002"
	resourceID      = "volc.bigasr.auc"
	headerStatus    = "X-Api-Status-Code"
	headerMessage   = "X-Api-Message"
	headerRequestID = "X-Api-Request-Id"
	headerLogID     = "X-Tt-Logid"
)

// Options configures the client.
type Options struct {
	Endpoint     string // base URL, submit/query paths are appended
	AppID        string
	AccessKey    string
	PollInterval time.Duration
	PollAttempts int
	Timeout      time.Duration
}

// Client talks to the transcription service.
type Client struct {
	opts    Options
	http    *http.Client
	breaker *resilience.Breaker

	// seam for tests; production uses uuid
	newRequestID func() string
}

// New creates a transcription client.
func New(opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 60
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Minute
	}
	return &Client{
		opts:         opts,
		http:         &http.Client{Timeout: opts.Timeout},
		breaker:      resilience.New(resilience.FastConfig()),
		newRequestID: func() string { return uuid.NewString() },
	}
}

type submitPayload struct {
	User    map[string]string `json:"user"`
	Audio   audioPayload      `json:"audio"`
	Request requestPayload    `json:"request"`
}

type audioPayload struct {
	Data    string `json:"data"`
	Format  string `json:"format"`
	Codec   string `json:"codec"`
	Rate    int    `json:"rate"`
	Bits    int    `json:"bits"`
	Channel int    `json:"channel"`
}

type requestPayload struct {
	ModelName      string `json:"model_name"`
	ShowUtterances bool   `json:"show_utterances"`
}

type queryResult struct {
	Result struct {
		Utterances []struct {
			Text string `json:"text"`
		} `json:"utterances"`
	} `json:"result"`
}

// Transcribe submits one audio segment and polls for the transcript. The same
// audio bytes always produce the same submit payload.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	text, err := resilience.ExecuteWithResult(c.breaker, func() (string, error) {
		return c.transcribeOnce(ctx, audio)
	})
	if errors.Is(err, resilience.ErrOpen) {
		return "", apperrors.Wrap(err, apperrors.CodeUnavailable, "transcription service circuit open")
	}
	return text, err
}

func (c *Client) transcribeOnce(ctx context.Context, audio []byte) (string, error) {
	requestID := c.newRequestID()
	log := trace.Logger(ctx)

	logID, err := c.submit(ctx, requestID, audio)
	if err != nil {
		return "", err
	}
	log.Debug("transcription task submitted", "request_id", requestID, "log_id", logID)

	return c.poll(ctx, requestID, logID)
}

func (c *Client) submit(ctx context.Context, requestID string, audio []byte) (string, error) {
	payload := submitPayload{
		User: map[string]string{"uid": "lectern-pipeline"},
		Audio: audioPayload{
			Data:    base64.StdEncoding.EncodeToString(audio),
			Format:  "mp3",
			Codec:   "raw",
			Rate:    16000,
			Bits:    16,
			Channel: 1,
		},
		Request: requestPayload{ModelName: "bigmodel", ShowUtterances: true},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "encode submit payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint+"/submit", bytes.NewReader(body))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "build submit request")
	}
	c.setHeaders(req, requestID)
	req.Header.Set("X-Api-Sequence", "-1")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", transportError(err, "submit transcription task")
	}
	defer func() { _ = resp.Body.Close() }()

	if err := httpStatusError(resp); err != nil {
		return "", err
	}
	if code := resp.Header.Get(headerStatus); code != statusDone {
		return "", apperrors.Newf(apperrors.CodeInvalidRequest,
			"submit rejected (%s): %s", code, resp.Header.Get(headerMessage))
	}
	return resp.Header.Get(headerLogID), nil
}

func (c *Client) poll(ctx context.Context, requestID, logID string) (string, error) {
	for attempt := 1; attempt <= c.opts.PollAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint+"/query", strings.NewReader("{}"))
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.CodeInternal, "build query request")
		}
		c.setHeaders(req, requestID)
		req.Header.Set(headerLogID, logID)

		resp, err := c.http.Do(req)
		if err != nil {
			return "", transportError(err, "query transcription task")
		}

		if err := httpStatusError(resp); err != nil {
			_ = resp.Body.Close()
			return "", err
		}

		switch code := resp.Header.Get(headerStatus); code {
		case statusDone:
			var result queryResult
			err := json.NewDecoder(resp.Body).Decode(&result)
			_ = resp.Body.Close()
			if err != nil {
				return "", apperrors.Wrap(err, apperrors.CodeInvalidRequest, "decode transcription result")
			}
			parts := make([]string, 0, len(result.Result.Utterances))
			for _, u := range result.Result.Utterances {
				parts = append(parts, u.Text)
			}
			return strings.Join(parts, "\n"), nil

		case statusPending, statusQueued:
			_ = resp.Body.Close()
			select {
			case <-ctx.Done():
				return "", transportError(ctx.Err(), "query transcription task")
			case <-time.After(c.opts.PollInterval):
			}

		default:
			msg := resp.Header.Get(headerMessage)
			_ = resp.Body.Close()
			return "", apperrors.Newf(apperrors.CodeInvalidRequest, "transcription task failed (%s): %s", code, msg)
		}
	}
	return "", apperrors.Newf(apperrors.CodeTimeout, "transcription task not done after %d polls", c.opts.PollAttempts)
}

func (c *Client) setHeaders(req *http.Request, requestID string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-App-Key", c.opts.AppID)
	req.Header.Set("X-Api-Access-Key", c.opts.AccessKey)
	req.Header.Set("X-Api-Resource-Id", resourceID)
	req.Header.Set(headerRequestID, requestID)
}

// transportError classifies network-level failures.
func transportError(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(err, apperrors.CodeTimeout, op+" timed out")
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.Wrap(err, apperrors.CodeCancelled, op+" cancelled")
	}
	return apperrors.Wrap(err, apperrors.CodeUnavailable, op+" failed")
}

// httpStatusError classifies non-2xx HTTP responses.
func httpStatusError(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.Newf(apperrors.CodeAuth, "transcription service rejected credentials (%d)", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.New(apperrors.CodeRateLimited, "transcription service rate limited")
	case resp.StatusCode >= 500:
		return apperrors.Newf(apperrors.CodeUnavailable, "transcription service error (%d)", resp.StatusCode)
	default:
		return apperrors.Newf(apperrors.CodeInvalidRequest, "transcription request rejected (%d)", resp.StatusCode)
	}
}
