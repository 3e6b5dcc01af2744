package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestHTTP(t *testing.T, url string, stream bool) *HTTPTransport {
	t.Helper()
	tr := NewHTTPTransport(HTTPConfig{
		Endpoint:    url,
		APIKey:      "test-key",
		Model:       "test-model",
		Stream:      stream,
		ReadTimeout: 2 * time.Second,
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestHTTP_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream || req.Model != "test-model" || len(req.Messages) != 1 ||
			req.Messages[0].Role != "user" || req.Messages[0].Content != "hello" {
			t.Errorf("unexpected request body: %+v", req)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"  hi there  "}}]}`)
	}))
	defer srv.Close()

	got, err := newTestHTTP(t, srv.URL, false).Exchange(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if got != "hi there" {
		t.Errorf("Exchange = %q, want %q", got, "hi there")
	}
}

func TestHTTP_Streaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("stream flag not set in request")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, chunk := range []string{
			`{"choices":[{"delta":{"content":"Hel"},"finish_reason":null}]}`,
			`not json`,
			`{"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}`,
			`{"choices":[{"delta":{"content":"!"},"finish_reason":"stop"}]}`,
			`{"choices":[{"delta":{"content":" ignored"}}]}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			fl.Flush()
		}
	}))
	defer srv.Close()

	got, err := newTestHTTP(t, srv.URL, true).Exchange(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if got != "Hello!" {
		t.Errorf("Exchange = %q, want %q", got, "Hello!")
	}
}

func TestHTTP_StreamingDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	got, err := newTestHTTP(t, srv.URL, true).Exchange(context.Background(), "hi")
	if err != nil || got != "ok" {
		t.Errorf("Exchange = %q, %v; want ok", got, err)
	}
}

func TestHTTP_StatusErrors(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "2")
				http.Error(w, "nope", tt.code)
			}))
			defer srv.Close()

			_, err := newTestHTTP(t, srv.URL, false).Exchange(context.Background(), "hi")
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("error = %v, want *StatusError", err)
			}
			if se.Code != tt.code {
				t.Errorf("Code = %d, want %d", se.Code, tt.code)
			}
			if se.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", se.Retryable(), tt.retryable)
			}
			if se.Body != "nope" {
				t.Errorf("Body = %q, want %q", se.Body, "nope")
			}
			if se.RetryAfter != 2*time.Second {
				t.Errorf("RetryAfter = %v, want 2s", se.RetryAfter)
			}
		})
	}
}

func TestHTTP_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = newTestHTTP(t, "http://"+addr+"/v1/chat", false).Exchange(context.Background(), "hi")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("error = %v, want ErrConnection", err)
	}
}

func TestHTTP_ReadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tr := NewHTTPTransport(HTTPConfig{Endpoint: srv.URL, Stream: true, ReadTimeout: 200 * time.Millisecond})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	_, err := tr.Exchange(context.Background(), "hi")
	if !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("error = %v, want ErrReadTimeout", err)
	}
}

func TestHTTP_NonStreamingSlowReply(t *testing.T) {
	// The backend generates the whole reply before sending headers.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(400 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"done thinking"}}]}`)
	}))
	defer srv.Close()

	tests := []struct {
		name           string
		requestTimeout time.Duration
		wantErr        error
	}{
		{name: "request timeout covers generation", requestTimeout: 5 * time.Second},
		{name: "read timeout alone", wantErr: ErrReadTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewHTTPTransport(HTTPConfig{
				Endpoint:       srv.URL,
				ReadTimeout:    100 * time.Millisecond,
				RequestTimeout: tt.requestTimeout,
			})
			if err := tr.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			defer tr.Close()

			got, err := tr.Exchange(context.Background(), "hi")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Exchange: %v", err)
			}
			if got != "done thinking" {
				t.Errorf("Exchange = %q, want %q", got, "done thinking")
			}
		})
	}
}

func TestHTTP_UserAgent(t *testing.T) {
	tests := []struct {
		name       string
		userAgent  string
		wantPrefix string
	}{
		{name: "default", wantPrefix: "Steward/"},
		{name: "override", userAgent: "ops-bot/2.1", wantPrefix: "ops-bot/2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get("User-Agent")
				fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
			}))
			defer srv.Close()

			tr := NewHTTPTransport(HTTPConfig{Endpoint: srv.URL, UserAgent: tt.userAgent})
			if err := tr.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			defer tr.Close()

			if _, err := tr.Exchange(context.Background(), "hi"); err != nil {
				t.Fatalf("Exchange: %v", err)
			}
			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("User-Agent = %q, want prefix %q", got, tt.wantPrefix)
			}
		})
	}
}

func TestHTTP_TrailingBodyDrainedForReuse(t *testing.T) {
	var mu sync.Mutex
	remotes := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		remotes[r.RemoteAddr] = true
		mu.Unlock()
		// Padding after the JSON object is never read by the decoder.
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`+strings.Repeat(" ", 16*1024))
	}))
	defer srv.Close()

	tr := newTestHTTP(t, srv.URL, false)
	for i := range 2 {
		if _, err := tr.Exchange(context.Background(), "hi"); err != nil {
			t.Fatalf("Exchange %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(remotes) != 1 {
		t.Errorf("connections = %d, want 1", len(remotes))
	}
}

func TestHTTP_NotStarted(t *testing.T) {
	tr := NewHTTPTransport(HTTPConfig{Endpoint: "http://127.0.0.1:1"})
	_, err := tr.Exchange(context.Background(), "hi")
	if !errors.Is(err, ErrConnection) {
		t.Errorf("error = %v, want ErrConnection", err)
	}
}

func TestHTTP_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	_, err := newTestHTTP(t, srv.URL, false).Exchange(context.Background(), "hi")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Errorf("error = %v, want *TransportError", err)
	}
}
