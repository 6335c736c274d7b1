// Package oracle is the gateway's client for the multimodal reasoning model.
// Callers describe one stage call (instruction, accumulated context, media);
// the client routes it to a backend, retries transient and malformed replies
// with exponential backoff, and hands back a schema-validated payload.
package oracle

import "context"

// Media is one binary attachment for a multimodal call.
type Media struct {
	MIME string
	Data []byte
}

// Request describes a single oracle call.
type Request struct {
	Stage       string // stage name, used for metrics and logs
	Instruction string // fixed system instruction for the stage
	Context     string // accumulated context presented as the user turn
	Media       []Media
	Schema      string // JSON schema the reply must satisfy; empty accepts raw text
	Tier        string // capability tier, mapped to an engine by client config
	Engine      string // explicit engine override; wins over Tier
	Model       string // model override for the selected backend
	NoRetry     bool   // make a single attempt instead of the client's retry budget
}

// Reply is a successful oracle response.
type Reply struct {
	Payload   map[string]any // decoded, schema-valid body; nil for raw replies
	Raw       string         // verbatim model output
	Backend   string
	Model     string
	Attempts  int
	LatencyMs float64
}

// Prompt is the composed input handed to a backend.
type Prompt struct {
	System    string
	User      string
	Media     []Media
	Model     string
	MaxTokens int
	JSON      bool // hint that the reply must be a single JSON object
}

// Completer produces one full completion for a composed prompt. Backends
// classify their own failures via Transient, Malformed, and Fatal.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}
