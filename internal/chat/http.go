package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/httpkit"
)

// HTTPConfig configures a transport that posts each message to a
// chat-completions style endpoint.
type HTTPConfig struct {
	// Endpoint is the full URL messages are POSTed to.
	Endpoint string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// Model is included in the request body when non-empty.
	Model string

	// Stream requests Server-Sent-Events output.
	Stream bool

	// RequestTimeout bounds a whole exchange. Zero relies on
	// ReadTimeout alone.
	RequestTimeout time.Duration

	// ReadTimeout bounds the silence between body chunks. It also bounds
	// the wait for the response to begin, except that a non-streaming
	// exchange waits up to a longer RequestTimeout instead.
	ReadTimeout time.Duration

	// UserAgent overrides the default Steward User-Agent.
	UserAgent string

	// RequestsPerSecond paces outbound requests. Zero disables pacing.
	RequestsPerSecond float64

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport exchanges messages with an HTTP backend. It owns a
// pooled client; Close discards the pool so a restart reconnects from
// scratch.
type HTTPTransport struct {
	config HTTPConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *http.Client
}

// NewHTTPTransport creates an HTTP transport. No connection is made
// until the first exchange.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	return &HTTPTransport{
		config: cfg,
		logger: logger,
	}
}

// Kind implements [Transport].
func (t *HTTPTransport) Kind() string { return "http" }

// Start builds the pooled client. It never fails on connectivity; the
// first request connects lazily.
func (t *HTTPTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return nil
	}
	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(t.config.RequestTimeout),
		httpkit.WithRateLimit(t.config.RequestsPerSecond, 1),
		httpkit.WithLogger(t.logger),
	}
	if t.config.Stream {
		// A non-streaming backend sends headers only once the whole
		// reply is generated, so only streams get a header deadline.
		opts = append(opts, httpkit.WithResponseHeaderTimeout(t.config.ReadTimeout))
	}
	if t.config.UserAgent != "" {
		opts = append(opts, httpkit.WithUserAgent(t.config.UserAgent))
	}
	t.client = httpkit.NewClient(opts...)
	t.logger.Debug("http backend client ready", "endpoint", t.config.Endpoint)
	return nil
}

// Close drops the client and its idle connections. It is idempotent.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	c := t.client
	t.client = nil
	t.mu.Unlock()
	httpkit.CloseIdle(c)
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Exchange posts one user message and returns the assistant content.
// Connection failures wrap [ErrConnection]; non-2xx replies are
// returned as [*StatusError]; stalls wrap [ErrReadTimeout].
func (t *HTTPTransport) Exchange(ctx context.Context, message string) (string, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return "", transportErr("exchange", fmt.Errorf("%w: client not started", ErrConnection))
	}

	jsonData, err := json.Marshal(chatRequest{
		Model:    t.config.Model,
		Messages: []chatMessage{{Role: "user", Content: message}},
		Stream:   t.config.Stream,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	t.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	// The idle watchdog cancels the request when the body stalls.
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	watchdog := time.AfterFunc(t.firstByteTimeout(), func() { cancel(ErrReadTimeout) })
	defer watchdog.Stop()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.config.Endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.config.APIKey)
	}
	if t.config.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", t.classify(ctx, reqCtx, "request", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{
			Code: resp.StatusCode,
			Body: strings.TrimSpace(httpkit.ReadErrorBody(resp.Body, 2048)),
		}
		se.RetryAfter, _ = httpkit.RetryAfter(resp.Header)
		t.logger.Warn("http backend error", "status", resp.StatusCode, "body", se.Body)
		return "", se
	}

	var content string
	if t.config.Stream {
		content, err = t.readStream(resp.Body, watchdog)
	} else {
		content, err = t.readResponse(&idleReader{r: resp.Body, watchdog: watchdog, idle: t.config.ReadTimeout})
	}
	if err != nil {
		return "", t.classify(ctx, reqCtx, "read", err)
	}

	t.logger.Log(ctx, config.LevelTrace, "response content", "content", content)
	return strings.TrimSpace(content), nil
}

// firstByteTimeout bounds the wait for the response to begin. For a
// non-streaming backend that wait is the whole generation, so a longer
// RequestTimeout takes precedence over ReadTimeout.
func (t *HTTPTransport) firstByteTimeout() time.Duration {
	if !t.config.Stream && t.config.RequestTimeout > t.config.ReadTimeout {
		return t.config.RequestTimeout
	}
	return t.config.ReadTimeout
}

// idleReader re-arms the watchdog whenever body bytes arrive.
type idleReader struct {
	r        io.Reader
	watchdog *time.Timer
	idle     time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.watchdog.Reset(r.idle)
	}
	return n, err
}

func (t *HTTPTransport) readResponse(body io.Reader) (string, error) {
	var resp chatResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("response contained no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// readStream accumulates delta content until a chunk carries a
// finish_reason or the server sends [DONE].
func (t *HTTPTransport) readStream(body io.Reader, watchdog *time.Timer) (string, error) {
	scanner := bufio.NewScanner(body)
	// Increase scanner buffer for large chunks
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var content strings.Builder
	for scanner.Scan() {
		watchdog.Reset(t.config.ReadTimeout)

		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return content.String(), nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.logger.Debug("skipping malformed stream chunk", "data", data, "error", err)
			continue
		}
		finished := false
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
			if c.FinishReason != nil && *c.FinishReason != "" {
				finished = true
			}
		}
		if finished {
			return content.String(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if content.Len() > 0 {
		t.logger.Warn("stream ended without finish_reason, using partial content", "bytes", content.Len())
		return content.String(), nil
	}
	return "", io.ErrUnexpectedEOF
}

// classify maps a client or body error onto the chat error taxonomy.
func (t *HTTPTransport) classify(parent, reqCtx context.Context, op string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(context.Cause(reqCtx), ErrReadTimeout) {
		return transportErr(op, fmt.Errorf("%w after %v", ErrReadTimeout, t.config.ReadTimeout))
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return transportErr(op, fmt.Errorf("%w: %v", ErrReadTimeout, err))
	}
	if httpkit.IsConnectionError(err) {
		return transportErr(op, fmt.Errorf("%w: %w", ErrConnection, err))
	}
	return transportErr(op, err)
}
