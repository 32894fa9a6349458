package api

import "context"

// GenerateRequest is the structured input for a provider call. Operation
// names what the stage wants (for example "optimize_prompt" or
// "generate_image"); the provider interprets the remaining fields per
// operation.
type GenerateRequest struct {
	Operation string
	Prompt    string
	Width     int
	Height    int
	Style     string
	Options   map[string]any
}

// Artifact is the output of a single provider call. URL references binary
// payloads (images, video); Text carries generated copy.
type Artifact struct {
	ID       string
	URL      string
	Text     string
	Metadata map[string]any
}

// Provider is the uniform capability contract any model backend implements.
// A Provider instance is acquired through its ProviderFactory (scoped entry)
// and must be released with Close (guaranteed exit), bracketing any
// underlying network session. Unless an implementation documents itself as
// single-use, it must tolerate many Generate calls between acquisition and
// release.
type Provider interface {
	// Generate produces an artifact for the request, or a classified error:
	// transient failures as ProviderError{Transient: true} (retried by the
	// engine), everything else as permanent.
	Generate(ctx context.Context, req GenerateRequest) (*Artifact, error)

	// Close releases the provider's underlying session. Callers defer it
	// immediately after acquisition.
	Close() error
}

// ProviderFactory produces a scoped provider instance. The engine invokes it
// once per acquisition; the returned Provider is released with Close after
// use.
type ProviderFactory func(ctx context.Context) (Provider, error)
