// Package inference talks to the remote extraction and chat service.
//
// Every call ends in exactly one of three outcomes: a 2xx payload, an
// *UnreachableError, or a *RemoteError carrying a flattened Detail. Calls are
// never retried here.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/suPer8Hu/healthsphere/internal/metrics"
	"github.com/tidwall/gjson"
)

const (
	opExtract = "extract"
	opChat    = "chat"
	opIngest  = "ingest"
	opStatus  = "status"

	maxResponseBytes = 8 << 20
)

type Options struct {
	BaseURL        string
	ExtractTimeout time.Duration
	ChatTimeout    time.Duration
	IngestTimeout  time.Duration
	StatusTimeout  time.Duration
	HTTPClient     *http.Client
}

type Client struct {
	baseURL        string
	http           *http.Client
	extractTimeout time.Duration
	chatTimeout    time.Duration
	ingestTimeout  time.Duration
	statusTimeout  time.Duration
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	hc := opts.HTTPClient
	if hc == nil {
		// deadlines come from the per-call context
		hc = &http.Client{}
	}
	return &Client{
		baseURL:        baseURL,
		http:           hc,
		extractTimeout: orDefault(opts.ExtractTimeout, 120*time.Second),
		chatTimeout:    orDefault(opts.ChatTimeout, 120*time.Second),
		ingestTimeout:  orDefault(opts.IngestTimeout, 60*time.Second),
		statusTimeout:  orDefault(opts.StatusTimeout, 3*time.Second),
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

type ExtractRequest struct {
	UserID       *uint64 `json:"userId"`
	FilePath     string  `json:"filePath"`
	OriginalName string  `json:"originalName"`
}

type ChatRequest struct {
	Query       string          `json:"query"`
	UserID      string          `json:"user_id"`
	UserProfile map[string]any  `json:"user_profile"`
	Context     json.RawMessage `json:"context"`
}

type IngestRequest struct {
	UserID   uint64         `json:"user_id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Extract asks the service to run structured extraction on a stored document.
// The returned payload is the remote body, unmodified.
func (c *Client) Extract(ctx context.Context, req ExtractRequest) (json.RawMessage, error) {
	body, err := c.do(ctx, opExtract, http.MethodPost, "/process-report", c.extractTimeout, req)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, malformed(opExtract)
	}
	return body, nil
}

// Chat sends a query and returns the raw remote payload. Use ParseChatAnswer
// to turn it into a ChatAnswer.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (json.RawMessage, error) {
	if req.UserProfile == nil {
		req.UserProfile = map[string]any{}
	}
	return c.do(ctx, opChat, http.MethodPost, "/chatbot/query", c.chatTimeout, req)
}

// Ingest asks the service to index text for later retrieval. The response
// body is ignored.
func (c *Client) Ingest(ctx context.Context, req IngestRequest) error {
	_, err := c.do(ctx, opIngest, http.MethodPost, "/chatbot/ingest_user", c.ingestTimeout, req)
	return err
}

// Status probes the service health endpoint.
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	body, err := c.do(ctx, opStatus, http.MethodGet, "/chatbot/status", c.statusTimeout, nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, malformed(opStatus)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, timeout time.Duration, payload any) (out json.RawMessage, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordInferenceCall(op, outcome(err), time.Since(start))
	}()

	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("inference %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("inference %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UnreachableError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		// the response was cut off, usually by the deadline
		return nil, &UnreachableError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RemoteError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Detail:     flattenDetail(resp.StatusCode, body),
		}
	}
	return body, nil
}

func outcome(err error) string {
	var ue *UnreachableError
	var re *RemoteError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &ue):
		return "unreachable"
	case errors.As(err, &re):
		return "remote_error"
	default:
		return "error"
	}
}
