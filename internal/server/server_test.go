package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ai-gateway/cursor-gateway/internal/checksum"
	"github.com/ai-gateway/cursor-gateway/internal/completion"
	"github.com/ai-gateway/cursor-gateway/internal/config"
	"github.com/ai-gateway/cursor-gateway/internal/guardrails"
	"github.com/ai-gateway/cursor-gateway/internal/metrics"
	"github.com/ai-gateway/cursor-gateway/internal/provider"
	"github.com/ai-gateway/cursor-gateway/internal/provider/cursor"
	"github.com/ai-gateway/cursor-gateway/internal/provisioner"
	"github.com/ai-gateway/cursor-gateway/internal/routing"
	"github.com/ai-gateway/cursor-gateway/internal/tokens"
	"github.com/ai-gateway/cursor-gateway/internal/upstream"
	"github.com/ai-gateway/cursor-gateway/internal/wire"
)

type staticSource []string

func (s staticSource) Load(context.Context) ([]string, error) { return s, nil }
func (s staticSource) Remove(context.Context, []string) (int, error) {
	return 0, nil
}

// chunkReader hands out one scripted chunk per Read.
type chunkReader struct{ chunks [][]byte }

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func (r *chunkReader) Close() error { return nil }

type stubSender struct {
	mu     sync.Mutex
	calls  int
	last   upstream.Request
	chunks [][]byte
	err    error
}

func (s *stubSender) Send(_ context.Context, req upstream.Request) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &chunkReader{chunks: s.chunks}, nil
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func frame(text string) []byte {
	return wire.AppendFrame(nil, 0, wire.TextPayload(text))
}

func newTestServer(t *testing.T, sender *stubSender, sup *provisioner.Supervisor) *Server {
	t.Helper()
	cfg := &config.Config{Address: ":0", Metrics: config.MetricsConfig{Enabled: true}}
	m := metrics.New("test")
	pool := tokens.NewPool(staticSource{"user%3A%3Asecret"}, zap.NewNop())
	prov := cursor.New(pool, checksum.Static("sum"), sender, m, zap.NewNop())

	rt := routing.New(routing.DefaultCatalog)
	rt.Register("claude-3.5-sonnet", prov)

	return New(cfg, Deps{
		Router:     rt,
		Guards:     guardrails.New(),
		Pool:       pool,
		Metrics:    m,
		Supervisor: sup,
		Logger:     zap.NewNop(),
	})
}

func post(t *testing.T, srv *Server, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func TestChat_EmptyMessagesRejected(t *testing.T) {
	sender := &stubSender{}
	srv := newTestServer(t, sender, nil)

	w := post(t, srv, `{"model":"claude-3.5-sonnet","messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid request. Messages should be a non-empty array", errorOf(t, w))
	assert.Zero(t, sender.count())
}

func TestChat_MalformedJSON(t *testing.T) {
	sender := &stubSender{}
	srv := newTestServer(t, sender, nil)

	w := post(t, srv, `{"model":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, sender.count())
}

func TestChat_O1StreamRejected(t *testing.T) {
	sender := &stubSender{}
	srv := newTestServer(t, sender, nil)

	w := post(t, srv, `{"model":"o1-preview","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Model not supported stream", errorOf(t, w))
	assert.Zero(t, sender.count())
}

func TestChat_StreamRelaysFramesInOrder(t *testing.T) {
	// Two frames spread over three network chunks.
	raw := append(frame("Hel"), frame("lo")...)
	sender := &stubSender{chunks: [][]byte{raw[:3], raw[3:9], raw[9:]}}
	srv := newTestServer(t, sender, nil)

	w := post(t, srv, `{"model":"claude-3.5-sonnet","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var deltas []string
	done := 0
	for _, line := range strings.Split(w.Body.String(), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			done++
			continue
		}
		var ev completion.Response
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		require.Len(t, ev.Choices, 1)
		assert.Equal(t, completion.ObjectChunk, ev.Object)
		deltas = append(deltas, ev.Choices[0].Delta.Content)
	}
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, 1, done)
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n"))
}

func TestChat_BufferedCleansResponse(t *testing.T) {
	sender := &stubSender{chunks: [][]byte{
		frame("echo of context<|END_USER|>"),
		frame("\nHello world"),
	}}
	srv := newTestServer(t, sender, nil)

	w := post(t, srv, `{"model":"claude-3.5-sonnet","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp completion.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, completion.ObjectCompletion, resp.Object)
	assert.Equal(t, "claude-3.5-sonnet", resp.Model)
	require.Len(t, resp.Choices, 1)
	require.NotNil(t, resp.Choices[0].Message)
	assert.Equal(t, provider.RoleAssistant, resp.Choices[0].Message.Role)
	assert.Equal(t, "Hello world", resp.Choices[0].Message.Content)
	require.NotNil(t, resp.Choices[0].FinishReason)
	assert.Equal(t, completion.FinishStop, *resp.Choices[0].FinishReason)
}

func TestChat_ChecksumHeaderOverrides(t *testing.T) {
	sender := &stubSender{chunks: [][]byte{frame("ok")}}
	srv := newTestServer(t, sender, nil)

	w := post(t, srv, `{"model":"claude-3.5-sonnet","messages":[{"role":"user","content":"hi"}]}`,
		"X-Cursor-Checksum", "from-caller")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from-caller", sender.last.Checksum)
	assert.Equal(t, "secret", sender.last.Secret)
}

func TestChat_TimeoutMapsTo408(t *testing.T) {
	sender := &stubSender{err: &upstream.TimeoutError{Phase: upstream.PhaseConnect, Limit: time.Second}}
	srv := newTestServer(t, sender, nil)

	w := post(t, srv, `{"model":"claude-3.5-sonnet","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusRequestTimeout, w.Code)
	assert.Equal(t, completion.MsgTimeout, errorOf(t, w))
}

func TestChat_UpstreamStatusMapsTo500(t *testing.T) {
	sender := &stubSender{err: &upstream.StatusError{Status: http.StatusUnauthorized, Body: "denied"}}
	srv := newTestServer(t, sender, nil)

	w := post(t, srv, `{"model":"claude-3.5-sonnet","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, completion.MsgInternal, errorOf(t, w))
	assert.Equal(t, 1, sender.count())
}

func TestChat_StreamFailureBeforeOpenIsInBand(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", &upstream.TimeoutError{Phase: upstream.PhaseConnect, Limit: time.Second}, completion.MsgTimeout},
		{"status", &upstream.StatusError{Status: http.StatusUnauthorized, Body: "denied"}, completion.MsgStream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &stubSender{err: tt.err}, nil)

			w := post(t, srv, `{"model":"claude-3.5-sonnet","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

			events := strings.Split(strings.TrimSuffix(w.Body.String(), "\n\n"), "\n\n")
			require.Len(t, events, 2)
			var ev map[string]string
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(events[0], "data: ")), &ev))
			assert.Equal(t, tt.want, ev["error"])
			assert.Equal(t, "data: [DONE]", events[1])
		})
	}
}

func TestChat_MetricsBucketUnknownModels(t *testing.T) {
	srv := newTestServer(t, &stubSender{chunks: [][]byte{frame("ok")}}, nil)
	known := routing.DefaultCatalog[0].ID

	for _, model := range []string{known, "no-such-model-1", "no-such-model-2"} {
		w := post(t, srv, `{"model":"`+model+`","messages":[{"role":"user","content":"hi"}]}`)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	assert.Contains(t, body, `model="`+known+`"`)
	assert.Contains(t, body, `model="other"`)
	assert.NotContains(t, body, "no-such-model")
}

func TestModels(t *testing.T) {
	srv := newTestServer(t, &stubSender{}, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "list", body.Object)
	require.Len(t, body.Data, len(routing.DefaultCatalog))
	assert.Equal(t, "model", body.Data[0].Object)
	assert.Equal(t, routing.DefaultCatalog[0].ID, body.Data[0].ID)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &stubSender{}, nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","credentials":0}`, w.Body.String())

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRateLimiter(t *testing.T) {
	cfg := &config.Config{RateLimit: config.RateLimitConfig{RPS: 0.001, Burst: 1}}
	srv := New(cfg, Deps{Router: routing.New(nil)})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestHelperLifecycle(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	sup := provisioner.NewSupervisor("sh", []string{"-c", "echo hello; sleep 1"}, provisioner.NewBroker(16), nil)
	ts := httptest.NewServer(newTestServer(t, &stubSender{}, sup).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/token-process-output", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, "event:connected", lines.Text())

	start, err := http.Post(ts.URL+"/start-token", "application/json", nil)
	require.NoError(t, err)
	start.Body.Close()
	assert.Equal(t, http.StatusOK, start.StatusCode)

	again, err := http.Post(ts.URL+"/start-token", "application/json", nil)
	require.NoError(t, err)
	again.Body.Close()
	assert.Equal(t, http.StatusBadRequest, again.StatusCode)

	var got []string
	for lines.Scan() {
		got = append(got, lines.Text())
	}
	stream := strings.Join(got, "\n")
	assert.Contains(t, stream, "event:output")
	assert.Contains(t, stream, `"message":"hello"`)
	assert.Contains(t, stream, "event:exit")
	assert.Contains(t, stream, `"code":0`)

	require.Eventually(t, func() bool { return !sup.Running() }, 2*time.Second, 10*time.Millisecond)
	stop, err := http.Post(ts.URL+"/stop-token", "application/json", nil)
	require.NoError(t, err)
	stop.Body.Close()
	assert.Equal(t, http.StatusBadRequest, stop.StatusCode)
}
