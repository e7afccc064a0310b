package mock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ineyio/creditledger"
)

// Generator is a mock generation service for testing.
type Generator struct {
	name       string
	latency    time.Duration
	hang       bool
	failAfter  int
	callCount  atomic.Int64
	staticErr  error
	outputFunc func(creditledger.GenerationRequest) (creditledger.GenerationOutput, error)
}

var _ creditledger.Generator = (*Generator)(nil)

// Option configures a mock Generator.
type Option func(*Generator)

// New creates a mock generator with the given options.
func New(opts ...Option) *Generator {
	g := &Generator{name: "mock"}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithName sets the generator name.
func WithName(name string) Option {
	return func(g *Generator) { g.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(g *Generator) { g.latency = d }
}

// WithHang makes every call block until its context is done, like a
// webhook that never answers.
func WithHang() Option {
	return func(g *Generator) { g.hang = true }
}

// WithFailAfter makes the generator fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(g *Generator) { g.failAfter = n }
}

// WithError makes the generator always return this error.
func WithError(err error) Option {
	return func(g *Generator) { g.staticErr = err }
}

// WithOutputFunc sets a custom output function.
func WithOutputFunc(fn func(creditledger.GenerationRequest) (creditledger.GenerationOutput, error)) Option {
	return func(g *Generator) { g.outputFunc = fn }
}

func (g *Generator) Name() string { return g.name }

// Calls returns how many calls reached the generator.
func (g *Generator) Calls() int64 { return g.callCount.Load() }

func (g *Generator) Generate(ctx context.Context, req creditledger.GenerationRequest) (creditledger.GenerationOutput, error) {
	count := g.callCount.Add(1)

	if g.hang {
		<-ctx.Done()
		return creditledger.GenerationOutput{}, ctx.Err()
	}

	if g.latency > 0 {
		select {
		case <-time.After(g.latency):
		case <-ctx.Done():
			return creditledger.GenerationOutput{}, ctx.Err()
		}
	}

	if g.staticErr != nil {
		return creditledger.GenerationOutput{}, g.staticErr
	}

	if g.failAfter > 0 && int(count) > g.failAfter {
		return creditledger.GenerationOutput{}, fmt.Errorf("mock: generator unavailable after %d calls", g.failAfter)
	}

	if g.outputFunc != nil {
		return g.outputFunc(req)
	}

	return creditledger.GenerationOutput{
		ID:       fmt.Sprintf("mock-%d", count),
		Location: fmt.Sprintf("mock://generations/%d.png", count),
	}, nil
}
