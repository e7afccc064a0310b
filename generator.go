package creditledger

import "context"

// Generator is the interface that external generation service adapters must
// implement. The ledger only cares whether a call succeeded.
type Generator interface {
	// Name returns the generator identifier (e.g. "webhook", "mock").
	Name() string

	// Generate performs one generation attempt. It must honor ctx cancellation.
	Generate(ctx context.Context, req GenerationRequest) (GenerationOutput, error)
}

// GenerationRequest is passed through to the generator untouched.
type GenerationRequest struct {
	AccountID   string            `json:"account_id"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Cost        int64             `json:"cost,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

// GenerationOutput is what a generator returns on success.
type GenerationOutput struct {
	ID       string            `json:"id,omitempty"`
	Location string            `json:"location,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// GenerationResult is the outcome of a committed generation.
type GenerationResult struct {
	Reservation Reservation      `json:"reservation"`
	Commit      Transaction      `json:"commit"`
	Output      GenerationOutput `json:"output"`
	Generator   string           `json:"generator"`
}
