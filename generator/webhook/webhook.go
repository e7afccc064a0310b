// Package webhook calls an external image-generation service over HTTP.
//
// The service receives the GenerationRequest as a JSON POST and answers with
// a GenerationOutput. Any transport error or non-2xx status is a failure.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/ineyio/creditledger"
)

// Generator posts generation requests to a webhook URL.
type Generator struct {
	name       string
	url        string
	headers    map[string]string
	httpClient *http.Client
	signingKey *secp256k1.PrivateKey
}

var _ creditledger.Generator = (*Generator)(nil)

// Option configures the generator.
type Option func(*Generator)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Generator) { g.httpClient = c }
}

// WithHeader adds a header to every request, e.g. an API key.
func WithHeader(key, value string) Option {
	return func(g *Generator) { g.headers[key] = value }
}

// WithSigningKey signs every request body with key so the service can
// verify it came from the ledger. See Verify.
func WithSigningKey(key *secp256k1.PrivateKey) Option {
	return func(g *Generator) { g.signingKey = key }
}

// WithName overrides the generator name (default "webhook").
func WithName(name string) Option {
	return func(g *Generator) { g.name = name }
}

// New creates a webhook generator posting to url.
func New(url string, opts ...Option) *Generator {
	g := &Generator{
		name:       "webhook",
		url:        url,
		headers:    make(map[string]string),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.signingKey != nil {
		signed := *g.httpClient
		signed.Transport = newSigningTransport(g.httpClient.Transport, g.signingKey)
		g.httpClient = &signed
	}
	return g
}

func (g *Generator) Name() string { return g.name }

func (g *Generator) Generate(ctx context.Context, req creditledger.GenerationRequest) (creditledger.GenerationOutput, error) {
	httpResp, err := g.doRequest(ctx, req)
	if err != nil {
		return creditledger.GenerationOutput{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return creditledger.GenerationOutput{}, err
	}

	var out creditledger.GenerationOutput
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return creditledger.GenerationOutput{}, fmt.Errorf("%w: decode response: %v", creditledger.ErrExternalServiceFailure, err)
	}
	return out, nil
}

func (g *Generator) doRequest(ctx context.Context, req creditledger.GenerationRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("creditledger: marshal generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("creditledger: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range g.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", creditledger.ErrExternalServiceFailure, err)
	}

	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	return fmt.Errorf("%w: status %d: %s", creditledger.ErrExternalServiceFailure, resp.StatusCode, bytes.TrimSpace(body))
}
