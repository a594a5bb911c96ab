package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/llmsimulator/internal/audit"
	"github.com/coder/llmsimulator/internal/dispatch"
	"github.com/coder/llmsimulator/internal/engine"
	"github.com/coder/llmsimulator/internal/engine/chaos"
	"github.com/coder/llmsimulator/internal/engine/registry"
	"github.com/coder/llmsimulator/internal/engine/tokengen"
	"github.com/coder/llmsimulator/internal/metrics"
	"github.com/coder/llmsimulator/internal/ratelimit"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

func discardHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
}

func dim(n uint32) *uint32 { return &n }

func testRegistry() *registry.Registry {
	return registry.New([]engine.Capability{
		{ID: "gpt-chat", Family: engine.FamilyOpenAI, ContextWindowTokens: 8192, MaxOutputTokens: 64, DefaultLatencyProfileID: "fast"},
		{ID: "gpt-embed", Family: engine.FamilyOpenAI, MaxOutputTokens: 0, EmbeddingDim: dim(8), DefaultLatencyProfileID: "fast"},
		{ID: "claude-chat", Family: engine.FamilyAnthropic, ContextWindowTokens: 8192, MaxOutputTokens: 64, DefaultLatencyProfileID: "fast"},
		{ID: "gemini-chat", Family: engine.FamilyGoogle, ContextWindowTokens: 8192, MaxOutputTokens: 64, DefaultLatencyProfileID: "fast"},
	})
}

func zeroLatencyProfiles() map[string]engine.LatencyProfile {
	return map[string]engine.LatencyProfile{
		"fast": {ID: "fast", TTFT: engine.DistributionSpec{Kind: engine.DistConstant}, ITL: engine.DistributionSpec{Kind: engine.DistConstant}},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	decider := chaos.NewDecider(nil, 1.0, chaos.BreakerConfig{FailureThreshold: 1000, OpenDuration: time.Hour}, chaos.BreakerPerModelOperation)
	seed := int64(1)
	d := dispatch.New(testRegistry(), decider, zeroLatencyProfiles(), tokengen.DefaultEstimators(), dispatch.Config{
		Seed:              &seed,
		LatencyMultiplier: 0,
	})

	path := filepath.Join(t.TempDir(), "audit.db")
	trail, err := audit.Open(path, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { trail.Close() })

	limiter := ratelimit.New("", ratelimit.DefaultConfig())
	t.Cleanup(func() { limiter.Close() })

	hooks := metrics.New()
	return New(d, hooks, trail, limiter, 0, 0)
}

func TestOpenAIChatCompletionsNonStreaming(t *testing.T) {
	s := newTestServer(t)
	router := s.Router(discardHandler())

	body := `{"model":"gpt-chat","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	assert.Equal(t, "chat.completion", parsed["object"])
}

func TestOpenAIChatCompletionsUnknownModel(t *testing.T) {
	s := newTestServer(t)
	router := s.Router(discardHandler())

	body := `{"model":"nonexistent","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, engine.ErrModelNotFound.HTTPStatus(), w.Code)
}

func TestOpenAIEmbeddings(t *testing.T) {
	s := newTestServer(t)
	router := s.Router(discardHandler())

	body := `{"model":"gpt-embed","input":["a","b"]}`
	req := httptest.NewRequest("POST", "/v1/embeddings", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	data, ok := parsed["data"].([]any)
	require.True(t, ok)
	assert.Len(t, data, 2)
}

func TestAnthropicMessages(t *testing.T) {
	s := newTestServer(t)
	router := s.Router(discardHandler())

	body := `{"model":"claude-chat","messages":[{"role":"user","content":"hi"}],"max_tokens":50}`
	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	assert.Equal(t, "message", parsed["type"])
}

func TestGoogleGenerateContent(t *testing.T) {
	s := newTestServer(t)
	router := s.Router(discardHandler())

	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	req := httptest.NewRequest("POST", "/v1/models/gemini-chat:generateContent", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	assert.Contains(t, parsed, "candidates")
}

func TestListModels(t *testing.T) {
	s := newTestServer(t)
	router := s.Router(discardHandler())

	req := httptest.NewRequest("GET", "/v1/models", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "gpt-chat")
}

func TestGetModelNotFound(t *testing.T) {
	s := newTestServer(t)
	router := s.Router(discardHandler())

	req := httptest.NewRequest("GET", "/v1/models/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, 404, w.Code)
}

func TestHealthLiveness(t *testing.T) {
	s := newTestServer(t)
	router := s.Router(discardHandler())

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "UP")
}

func TestReadinessUp(t *testing.T) {
	s := newTestServer(t)
	router := s.Router(discardHandler())

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "UP")
}

func TestReadinessReportsDownWhileDraining(t *testing.T) {
	s := newTestServer(t)
	router := s.Router(discardHandler())

	s.SetDraining(true)
	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, 503, w.Code)
}

func TestRequestTimeoutYieldsTimeoutErrorKind(t *testing.T) {
	decider := chaos.NewDecider(nil, 1.0, chaos.BreakerConfig{FailureThreshold: 1000, OpenDuration: time.Hour}, chaos.BreakerPerModelOperation)
	seed := int64(1)
	profiles := map[string]engine.LatencyProfile{
		"slow": {
			ID:   "slow",
			TTFT: engine.DistributionSpec{Kind: engine.DistConstant, ConstantMS: 50},
			ITL:  engine.DistributionSpec{Kind: engine.DistConstant},
		},
	}
	reg := registry.New([]engine.Capability{
		{ID: "gpt-chat", Family: engine.FamilyOpenAI, ContextWindowTokens: 8192, MaxOutputTokens: 64, DefaultLatencyProfileID: "slow"},
	})
	d := dispatch.New(reg, decider, profiles, tokengen.DefaultEstimators(), dispatch.Config{
		Seed:              &seed,
		LatencyMultiplier: 1,
	})

	path := filepath.Join(t.TempDir(), "audit.db")
	trail, err := audit.Open(path, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { trail.Close() })

	limiter := ratelimit.New("", ratelimit.DefaultConfig())
	t.Cleanup(func() { limiter.Close() })

	s := New(d, metrics.New(), trail, limiter, 0, time.Millisecond)
	router := s.Router(discardHandler())

	body := `{"model":"gpt-chat","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, 504, w.Code)
	assert.Contains(t, w.Body.String(), string(engine.ErrTimeout))
}

func TestChaosInjectionRecordsAuditEvent(t *testing.T) {
	rule := engine.ChaosRule{
		Name:        "always-fail",
		Scope:       engine.ChaosScope{Kind: engine.ScopeAny},
		ErrorKind:   engine.ErrServerError,
		Probability: 1.0,
		Enabled:     true,
	}
	decider := chaos.NewDecider([]engine.ChaosRule{rule}, 1.0, chaos.BreakerConfig{FailureThreshold: 1000, OpenDuration: time.Hour}, chaos.BreakerPerModelOperation)
	seed := int64(1)
	d := dispatch.New(testRegistry(), decider, zeroLatencyProfiles(), tokengen.DefaultEstimators(), dispatch.Config{
		Seed:              &seed,
		LatencyMultiplier: 0,
	})

	path := filepath.Join(t.TempDir(), "audit.db")
	trail, err := audit.Open(path, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { trail.Close() })

	limiter := ratelimit.New("", ratelimit.DefaultConfig())
	t.Cleanup(func() { limiter.Close() })

	s := New(d, metrics.New(), trail, limiter, 0, 0)
	router := s.Router(discardHandler())

	body := `{"model":"gpt-chat","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, engine.ErrServerError.HTTPStatus(), w.Code)

	require.Eventually(t, func() bool {
		events, err := trail.Recent(context.Background(), 100)
		require.NoError(t, err)
		for _, ev := range events {
			if ev.Kind == audit.EventChaosInjected {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestAdmissionRejectedWhenAtCapacity(t *testing.T) {
	decider := chaos.NewDecider(nil, 1.0, chaos.BreakerConfig{FailureThreshold: 1000, OpenDuration: time.Hour}, chaos.BreakerPerModelOperation)
	seed := int64(1)
	d := dispatch.New(testRegistry(), decider, zeroLatencyProfiles(), tokengen.DefaultEstimators(), dispatch.Config{
		Seed:              &seed,
		LatencyMultiplier: 0,
	})
	path := filepath.Join(t.TempDir(), "audit.db")
	trail, err := audit.Open(path, discardLogger())
	require.NoError(t, err)
	defer trail.Close()
	limiter := ratelimit.New("", ratelimit.DefaultConfig())
	defer limiter.Close()

	s := New(d, metrics.New(), trail, limiter, 1, 0)
	// Saturate the single admission slot directly before issuing a request.
	s.admission <- struct{}{}
	defer func() { <-s.admission }()

	router := s.Router(discardHandler())
	body := `{"model":"gpt-chat","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, engine.ErrResourceExhausted.HTTPStatus(), w.Code)
}
