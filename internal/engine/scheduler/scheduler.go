// Package scheduler implements the Stream Scheduler (C6): it combines the
// Latency Sampler and Token Generator into a timed async sequence of
// ChunkEvents, honoring cancellation and keep-alive, per spec.md §4.6.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/coder/llmsimulator/internal/engine"
	"github.com/coder/llmsimulator/internal/engine/latency"
	"github.com/coder/llmsimulator/internal/engine/tokengen"
)

// DefaultKeepAliveInterval is the default keep-alive cadence (§4.6 step 3c).
const DefaultKeepAliveInterval = 15 * time.Second

// Scheduler runs the §4.6 protocol for one request. It carries no shared
// mutable state between concurrent requests beyond the circuit breaker and
// atomic counters the caller wires in separately — each Scheduler instance
// is a single cooperative task for exactly one request.
type Scheduler struct {
	sampler          *latency.Sampler
	generator        *tokengen.Generator
	keepAliveInterval time.Duration

	// clock is swappable so tests can avoid real sleeps; New installs
	// realClock, which uses time.Now/time.NewTimer.
	clock clock
}

type clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Sleep blocks for d or until ctx is canceled, whichever comes first. It
// returns ctx.Err() on cancellation so the caller can distinguish a
// completed sleep from an interrupted one.
func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New builds a Scheduler. keepAliveInterval of 0 selects the default.
func New(sampler *latency.Sampler, generator *tokengen.Generator, keepAliveInterval time.Duration) *Scheduler {
	if keepAliveInterval <= 0 {
		keepAliveInterval = DefaultKeepAliveInterval
	}
	return &Scheduler{sampler: sampler, generator: generator, keepAliveInterval: keepAliveInterval, clock: realClock{}}
}

// Stream runs the full §4.6 protocol and sends ChunkEvents to out. out is
// closed by Stream before returning; out must be buffered or drained
// concurrently by the caller to avoid blocking the suspension points. Stream
// returns only after emitting exactly one terminal event (End or Error).
func (s *Scheduler) Stream(ctx context.Context, responseID, modelID string, out chan<- engine.ChunkEvent) {
	defer close(out)

	ttft := s.sampler.SampleTTFT()
	if err := s.clock.Sleep(ctx, ttft); err != nil {
		kind, msg := classifyWaitError(err, "time-to-first-token wait")
		out <- engine.ChunkEvent{Kind: engine.ChunkError, ErrorKind: kind, Message: msg, Retryable: false}
		return
	}

	out <- engine.ChunkEvent{Kind: engine.ChunkStart, ResponseID: responseID, ModelID: modelID}

	fragments, finish := s.generator.Iter()
	lastEventAt := s.clock.Now()
	var usage engine.Usage

	for _, frag := range fragments {
		itl := s.sampler.NextITL()
		if err := s.sleepWithKeepAlive(ctx, itl, &lastEventAt, out); err != nil {
			kind, msg := classifyWaitError(err, "mid-stream")
			out <- engine.ChunkEvent{Kind: engine.ChunkError, ErrorKind: kind, Message: msg, Retryable: false}
			return
		}

		out <- engine.ChunkEvent{Kind: engine.ChunkDelta, Text: frag.Text}
		lastEventAt = s.clock.Now()
		usage = frag.CumulativeUsage
	}

	out <- engine.ChunkEvent{Kind: engine.ChunkEnd, FinishReason: finish, Usage: usage}
}

// sleepWithKeepAlive waits for d, honoring cancellation, while interspersing
// KeepAlive events if the wait straddles the keep-alive interval. Keep-alive
// cadence is wall-clock-driven and is never drawn from the latency sampler
// (§4.6 step 3c).
func (s *Scheduler) sleepWithKeepAlive(ctx context.Context, d time.Duration, lastEventAt *time.Time, out chan<- engine.ChunkEvent) error {
	deadline := s.clock.Now().Add(d)
	for {
		remaining := deadline.Sub(s.clock.Now())
		sinceLast := s.clock.Now().Sub(*lastEventAt)
		untilKeepAlive := s.keepAliveInterval - sinceLast

		if remaining <= 0 {
			return nil
		}

		wait := remaining
		emitKeepAlive := false
		if untilKeepAlive < remaining {
			wait = untilKeepAlive
			emitKeepAlive = true
		}
		if wait < 0 {
			wait = 0
		}

		if err := s.clock.Sleep(ctx, wait); err != nil {
			return err
		}

		if emitKeepAlive {
			out <- engine.ChunkEvent{Kind: engine.ChunkKeepAlive}
			*lastEventAt = s.clock.Now()
			continue
		}
		return nil
	}
}

// Collect runs the full protocol for a non-streaming call and returns a
// single NormalizedResponse. Wall time to completion equals TTFT + sum(ITL)
// exactly as in the streaming path (§4.6 non-streaming path).
func (s *Scheduler) Collect(ctx context.Context, responseID, modelID string) (*engine.NormalizedResponse, error) {
	ttft := s.sampler.SampleTTFT()
	if err := s.clock.Sleep(ctx, ttft); err != nil {
		return nil, &CanceledError{Err: err}
	}

	result := s.generator.Collect()
	for i := 0; i < result.Usage.CompletionTokens; i++ {
		itl := s.sampler.NextITL()
		if err := s.clock.Sleep(ctx, itl); err != nil {
			return nil, &CanceledError{Err: err}
		}
	}

	ttftCopy := ttft
	return &engine.NormalizedResponse{
		ID:               responseID,
		ModelID:          modelID,
		CreatedAt:        s.clock.Now(),
		FinishReason:     result.FinishReason,
		Choices:          []engine.Choice{{Role: engine.RoleAssistant, Content: result.Text}},
		Usage:            result.Usage,
		TimeToFirstToken: &ttftCopy,
	}, nil
}

// classifyWaitError maps a context error surfaced from clock.Sleep to the
// distinct ErrorKind the caller should report: a deadline that elapsed is a
// Timeout (§7), anything else (client disconnect, explicit cancel) is a
// Canceled.
func classifyWaitError(err error, where string) (engine.ErrorKind, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.ErrTimeout, "request timeout during " + where
	}
	return engine.ErrCanceled, "canceled during " + where
}

// CanceledError signals that the context ended before a non-streaming call
// completed. Err is the raw ctx.Err() (context.Canceled or
// context.DeadlineExceeded) so callers can distinguish a client cancel from
// a request_timeout expiry.
type CanceledError struct{ Err error }

func (e *CanceledError) Error() string { return "scheduler: canceled: " + e.Err.Error() }

func (e *CanceledError) Unwrap() error { return e.Err }

// Kind reports the ErrorKind dispatch should surface for this cancellation.
func (e *CanceledError) Kind() engine.ErrorKind {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return engine.ErrTimeout
	}
	return engine.ErrCanceled
}
