// Package transport wires the three vendor-dialect provider adapters, the
// request dispatcher, metrics hooks, and the audit trail into the HTTP
// surface spec.md §6 names. It is grounded on the teacher's api/v1/chat.go
// route-registration style, adapted from net/http.ServeMux pattern routes to
// go-chi/chi/v5 (SPEC_FULL.md §3's domain stack), plus go-chi/cors for the
// upstream CORS filter spec.md §1 calls out as out-of-core. The three
// streaming/vendor POST endpoints stay on raw chi handlers; the plain-JSON
// surface (/v1/models, /health, /ready) is served through huma/v2 so it
// carries an OpenAPI description for free.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/oklog/ulid/v2"

	"github.com/coder/llmsimulator/internal/audit"
	"github.com/coder/llmsimulator/internal/auth"
	"github.com/coder/llmsimulator/internal/dispatch"
	"github.com/coder/llmsimulator/internal/engine"
	"github.com/coder/llmsimulator/internal/engine/registry"
	"github.com/coder/llmsimulator/internal/metrics"
	"github.com/coder/llmsimulator/internal/provider/anthropic"
	"github.com/coder/llmsimulator/internal/provider/google"
	"github.com/coder/llmsimulator/internal/provider/openai"
	"github.com/coder/llmsimulator/internal/provider/shared"
	"github.com/coder/llmsimulator/internal/ratelimit"
)

// Server holds everything route handlers need.
type Server struct {
	dispatcher     *dispatch.Dispatcher
	hooks          metrics.Hooks
	trail          *audit.Trail
	limiter        *ratelimit.Limiter
	admission      chan struct{} // buffered semaphore enforcing max_concurrent_requests (§5)
	requestTimeout time.Duration

	draining atomic.Bool
}

// New builds a Server. maxConcurrent <= 0 disables the admission limit.
// requestTimeout <= 0 disables the per-request deadline (the dispatch path
// then only ever observes client disconnects, never a scheduler timeout).
func New(d *dispatch.Dispatcher, hooks metrics.Hooks, trail *audit.Trail, limiter *ratelimit.Limiter, maxConcurrent int, requestTimeout time.Duration) *Server {
	var sem chan struct{}
	if maxConcurrent > 0 {
		sem = make(chan struct{}, maxConcurrent)
	}
	return &Server{dispatcher: d, hooks: hooks, trail: trail, limiter: limiter, admission: sem, requestTimeout: requestTimeout}
}

// SetDraining marks the server as shutting down: /ready starts reporting 503
// so a load balancer stops routing new traffic while in-flight requests
// finish within the shutdown drain window.
func (s *Server) SetDraining(draining bool) {
	s.draining.Store(draining)
}

// rateLimitMiddleware rejects requests that exceed the per-auth_principal
// token bucket with 429, before any vendor-dialect parsing happens — an
// upstream filter per spec.md §1, not a core concern.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := auth.Principal(r)
		allowed, err := s.limiter.Allow(r.Context(), principal)
		if err == nil && !allowed {
			_ = shared.WriteErrorJSON(w, engine.ErrRateLimited, map[string]any{
				"error": map[string]any{"message": "rate limit exceeded", "type": engine.ErrRateLimited},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestTimeoutMiddleware bounds r.Context() by s.requestTimeout, the
// source of cancellation spec.md §5 calls out as "(b) the configured request
// timeout" — distinct from (a) the client disconnecting. Unlike
// http.Server.WriteTimeout, this never severs the TCP connection out from
// under an in-progress SSE write: the scheduler observes ctx.Done() at its
// own suspension points and emits an in-band ChunkError before the handler
// returns, so the client always sees a vendor-shaped error frame instead of
// a truncated stream.
func (s *Server) requestTimeoutMiddleware(next http.Handler) http.Handler {
	if s.requestTimeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Router builds the full chi router, with CORS and the per-principal rate
// limit applied as upstream filters (spec.md §1), and registers every endpoint in §6's
// table.
func (s *Server) Router(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(s.rateLimitMiddleware)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.requestTimeoutMiddleware)
		v1.Post("/chat/completions", s.handleOpenAIChat)
		v1.Post("/embeddings", s.handleOpenAIEmbeddings)
		v1.Post("/messages", s.handleAnthropicMessages)
		v1.Post("/models/{model}:generateContent", s.handleGoogleGenerateContent)
	})

	humaAPI := humachi.New(r, huma.DefaultConfig("llmsimulator", "1.0.0"))
	s.registerHumaRoutes(humaAPI)

	r.Handle("/metrics", metricsHandler)

	return r
}

// admit acquires an admission slot, or reports exhaustion immediately — it
// never blocks past the semaphore's current occupancy (§5 ResourceExhausted).
func (s *Server) admit() bool {
	if s.admission == nil {
		return true
	}
	select {
	case s.admission <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.admission != nil {
		<-s.admission
	}
}

func newRequestID() string {
	return ulid.Make().String()
}

// writeDispatchError renders a dispatch.Error in the caller's vendor dialect.
// When derr carries a RuleName (a firing chaos rule, or "circuit_open" for a
// breaker rejection), it also records the injection to metrics and the
// audit trail — the same observability a
// breaker transition gets via observeBreaker.
func (s *Server) writeDispatchError(w http.ResponseWriter, family engine.Family, modelID string, render func(engine.ErrorKind, string) any, derr *dispatch.Error) {
	if derr.RuleName != "" {
		s.hooks.ChaosInjected(family, derr.RuleName, derr.Kind)
		s.trail.ChaosInjected(family, modelID, derr.RuleName, derr.Kind)
	}
	_ = shared.WriteErrorJSON(w, derr.Kind, render(derr.Kind, derr.Message))
}

// observeBreaker snapshots the breaker backing req's scope before and after
// fn runs, and records a transition event to metrics and the audit trail
// when fn's call caused the breaker to change state — this is the one place
// outside internal/engine/chaos that observes breaker transitions, since the
// breaker itself exposes only a state snapshot, not a change callback.
func (s *Server) observeBreaker(family engine.Family, req *engine.NormalizedRequest, fn func()) {
	breaker := s.dispatcher.Breaker(req)
	before := breaker.Stats().State
	fn()
	after := breaker.Stats().State
	if after != before {
		s.hooks.BreakerTransition(family, after.String())
		s.trail.BreakerTransition(family, req.ModelID, after.String())
	}
}

func (s *Server) handleOpenAIChat(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		s.hooks.AdmissionRejected()
		_ = shared.WriteErrorJSON(w, engine.ErrResourceExhausted, openai.RenderError(engine.ErrResourceExhausted, "too many concurrent requests"))
		return
	}
	defer s.release()

	req, err := openai.ParseChatRequest(r.Body, newRequestID(), time.Now(), auth.Principal(r))
	if err != nil {
		_ = shared.WriteErrorJSON(w, engine.ErrInvalidRequest, openai.RenderError(engine.ErrInvalidRequest, err.Error()))
		return
	}

	s.hooks.RequestStarted(engine.FamilyOpenAI, engine.OperationChat)
	start := time.Now()

	if req.Parameters.Stream {
		s.streamOpenAI(w, r.Context(), req, start)
		return
	}

	var resp *engine.NormalizedResponse
	var derr *dispatch.Error
	s.observeBreaker(engine.FamilyOpenAI, req, func() { resp, derr = s.dispatcher.Chat(r.Context(), req) })
	if derr != nil {
		s.hooks.RequestCompleted(engine.FamilyOpenAI, engine.OperationChat, string(derr.Kind), time.Since(start))
		s.writeDispatchError(w, engine.FamilyOpenAI, req.ModelID, openai.RenderError, derr)
		return
	}
	s.hooks.RequestCompleted(engine.FamilyOpenAI, engine.OperationChat, "ok", time.Since(start))
	s.hooks.TokensGenerated(engine.FamilyOpenAI, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(openai.RenderChatResponse(resp))
}

func (s *Server) streamOpenAI(w http.ResponseWriter, ctx context.Context, req *engine.NormalizedRequest, start time.Time) {
	var events <-chan engine.ChunkEvent
	var derr *dispatch.Error
	s.observeBreaker(engine.FamilyOpenAI, req, func() { events, derr = s.dispatcher.ChatStream(ctx, req) })
	if derr != nil {
		s.hooks.RequestCompleted(engine.FamilyOpenAI, engine.OperationChat, string(derr.Kind), time.Since(start))
		s.writeDispatchError(w, engine.FamilyOpenAI, req.ModelID, openai.RenderError, derr)
		return
	}
	sw, err := shared.NewStreamWriter(w)
	if err != nil {
		_ = shared.WriteErrorJSON(w, engine.ErrServerError, openai.RenderError(engine.ErrServerError, "streaming unsupported"))
		return
	}
	_ = openai.WriteStream(sw, req.ModelID, events)
	s.hooks.RequestCompleted(engine.FamilyOpenAI, engine.OperationChat, "ok", time.Since(start))
}

func (s *Server) handleOpenAIEmbeddings(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		s.hooks.AdmissionRejected()
		_ = shared.WriteErrorJSON(w, engine.ErrResourceExhausted, openai.RenderError(engine.ErrResourceExhausted, "too many concurrent requests"))
		return
	}
	defer s.release()

	req, err := openai.ParseEmbeddingsRequest(r.Body, newRequestID(), time.Now(), auth.Principal(r))
	if err != nil {
		_ = shared.WriteErrorJSON(w, engine.ErrInvalidRequest, openai.RenderError(engine.ErrInvalidRequest, err.Error()))
		return
	}

	s.hooks.RequestStarted(engine.FamilyOpenAI, engine.OperationEmbedding)
	start := time.Now()
	var resp *engine.NormalizedResponse
	var derr *dispatch.Error
	s.observeBreaker(engine.FamilyOpenAI, req, func() { resp, derr = s.dispatcher.Embed(r.Context(), req) })
	if derr != nil {
		s.hooks.RequestCompleted(engine.FamilyOpenAI, engine.OperationEmbedding, string(derr.Kind), time.Since(start))
		s.writeDispatchError(w, engine.FamilyOpenAI, req.ModelID, openai.RenderError, derr)
		return
	}
	s.hooks.RequestCompleted(engine.FamilyOpenAI, engine.OperationEmbedding, "ok", time.Since(start))
	s.hooks.TokensGenerated(engine.FamilyOpenAI, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(openai.RenderEmbeddingsResponse(resp))
}

func (s *Server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		s.hooks.AdmissionRejected()
		_ = shared.WriteErrorJSON(w, engine.ErrResourceExhausted, anthropic.RenderError(engine.ErrResourceExhausted, "too many concurrent requests"))
		return
	}
	defer s.release()

	req, err := anthropic.ParseMessagesRequest(r.Body, newRequestID(), time.Now(), auth.Principal(r))
	if err != nil {
		_ = shared.WriteErrorJSON(w, engine.ErrInvalidRequest, anthropic.RenderError(engine.ErrInvalidRequest, err.Error()))
		return
	}

	s.hooks.RequestStarted(engine.FamilyAnthropic, engine.OperationChat)
	start := time.Now()

	if req.Parameters.Stream {
		var events <-chan engine.ChunkEvent
		var derr *dispatch.Error
		s.observeBreaker(engine.FamilyAnthropic, req, func() { events, derr = s.dispatcher.ChatStream(r.Context(), req) })
		if derr != nil {
			s.hooks.RequestCompleted(engine.FamilyAnthropic, engine.OperationChat, string(derr.Kind), time.Since(start))
			s.writeDispatchError(w, engine.FamilyAnthropic, req.ModelID, anthropic.RenderError, derr)
			return
		}
		sw, err := shared.NewStreamWriter(w)
		if err != nil {
			_ = shared.WriteErrorJSON(w, engine.ErrServerError, anthropic.RenderError(engine.ErrServerError, "streaming unsupported"))
			return
		}
		_ = anthropic.WriteStream(sw, req.ModelID, events)
		s.hooks.RequestCompleted(engine.FamilyAnthropic, engine.OperationChat, "ok", time.Since(start))
		return
	}

	var resp *engine.NormalizedResponse
	var derr *dispatch.Error
	s.observeBreaker(engine.FamilyAnthropic, req, func() { resp, derr = s.dispatcher.Chat(r.Context(), req) })
	if derr != nil {
		s.hooks.RequestCompleted(engine.FamilyAnthropic, engine.OperationChat, string(derr.Kind), time.Since(start))
		s.writeDispatchError(w, engine.FamilyAnthropic, req.ModelID, anthropic.RenderError, derr)
		return
	}
	s.hooks.RequestCompleted(engine.FamilyAnthropic, engine.OperationChat, "ok", time.Since(start))
	s.hooks.TokensGenerated(engine.FamilyAnthropic, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(anthropic.RenderMessageResponse(resp))
}

func (s *Server) handleGoogleGenerateContent(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		s.hooks.AdmissionRejected()
		_ = shared.WriteErrorJSON(w, engine.ErrResourceExhausted, google.RenderError(engine.ErrResourceExhausted, "too many concurrent requests"))
		return
	}
	defer s.release()

	modelID := chi.URLParam(r, "model")
	req, err := google.ParseGenerateContentRequest(r.Body, modelID, newRequestID(), time.Now(), auth.Principal(r))
	if err != nil {
		_ = shared.WriteErrorJSON(w, engine.ErrInvalidRequest, google.RenderError(engine.ErrInvalidRequest, err.Error()))
		return
	}

	s.hooks.RequestStarted(engine.FamilyGoogle, engine.OperationChat)
	start := time.Now()

	streamRequested := r.URL.Query().Get("alt") == "sse" || req.Parameters.Stream
	if streamRequested {
		var events <-chan engine.ChunkEvent
		var derr *dispatch.Error
		s.observeBreaker(engine.FamilyGoogle, req, func() { events, derr = s.dispatcher.ChatStream(r.Context(), req) })
		if derr != nil {
			s.hooks.RequestCompleted(engine.FamilyGoogle, engine.OperationChat, string(derr.Kind), time.Since(start))
			s.writeDispatchError(w, engine.FamilyGoogle, req.ModelID, google.RenderError, derr)
			return
		}
		sw, err := shared.NewStreamWriter(w)
		if err != nil {
			_ = shared.WriteErrorJSON(w, engine.ErrServerError, google.RenderError(engine.ErrServerError, "streaming unsupported"))
			return
		}
		_ = google.WriteStreamNDJSON(sw, events)
		s.hooks.RequestCompleted(engine.FamilyGoogle, engine.OperationChat, "ok", time.Since(start))
		return
	}

	var resp *engine.NormalizedResponse
	var derr *dispatch.Error
	s.observeBreaker(engine.FamilyGoogle, req, func() { resp, derr = s.dispatcher.Chat(r.Context(), req) })
	if derr != nil {
		s.hooks.RequestCompleted(engine.FamilyGoogle, engine.OperationChat, string(derr.Kind), time.Since(start))
		s.writeDispatchError(w, engine.FamilyGoogle, req.ModelID, google.RenderError, derr)
		return
	}
	s.hooks.RequestCompleted(engine.FamilyGoogle, engine.OperationChat, "ok", time.Since(start))
	s.hooks.TokensGenerated(engine.FamilyGoogle, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(google.RenderGenerateContentResponse(resp))
}

// --- huma surface: /v1/models, /health, /ready ---

type modelsListInput struct{}

type modelsListOutput struct {
	Body any
}

type modelGetInput struct {
	ID string `path:"id"`
}

type modelGetOutput struct {
	Body any
}

type healthOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

func (s *Server) registerHumaRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-models",
		Method:      http.MethodGet,
		Path:        "/v1/models",
		Summary:     "List available models",
	}, func(ctx context.Context, _ *modelsListInput) (*modelsListOutput, error) {
		descriptors := s.dispatcher.ModelRegistry().List(nil)
		return &modelsListOutput{Body: openai.RenderModelsList(descriptors)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-model",
		Method:      http.MethodGet,
		Path:        "/v1/models/{id}",
		Summary:     "Retrieve a single model",
	}, func(ctx context.Context, in *modelGetInput) (*modelGetOutput, error) {
		rec, err := s.dispatcher.ModelRegistry().Resolve(in.ID)
		if err != nil {
			return nil, huma.Error404NotFound("model not found")
		}
		return &modelGetOutput{Body: openai.RenderModel(registry.Descriptor{ID: rec.ID, Family: rec.Family, Owner: string(rec.Family)})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "liveness",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness probe",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		// Liveness only asks "is the process alive", never touches
		// dependencies — grounded on health.StatusUp's always-fast check.
		out := &healthOutput{}
		out.Body.Status = "UP"
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "readiness",
		Method:      http.MethodGet,
		Path:        "/ready",
		Summary:     "Readiness probe",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		// Readiness additionally checks the audit database, that the model
		// registry loaded at least one model, and that the server isn't
		// draining for shutdown, grounded on the teacher's HealthChecker
		// aggregating a DatabaseCheck alongside other dependency checks.
		out := &healthOutput{}
		out.Body.Status = "UP"
		if s.draining.Load() {
			out.Body.Status = "DOWN"
			return out, huma.Error503ServiceUnavailable("server is draining")
		}
		if err := s.trail.Ping(ctx); err != nil {
			out.Body.Status = "DOWN"
			return out, huma.Error503ServiceUnavailable("audit database unreachable")
		}
		if len(s.dispatcher.ModelRegistry().List(nil)) == 0 {
			out.Body.Status = "DOWN"
			return out, huma.Error503ServiceUnavailable("model registry is empty")
		}
		return out, nil
	})
}
