// Package integrations translates provider webhook events into receipts.
// Each provider adapter validates the raw payload against a JSON Schema,
// extracts a stable external id, and emits receipt instructions; the
// ingestion service runs them through the ledger so replays are harmless.
package integrations

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/certnode/core/pkg/receipt"
)

// Event is a provider webhook reduced to what the graph needs.
type Event struct {
	ExternalID string
	EventType  string
	Payload    map[string]any
}

// ParentRef points at an earlier event from the same provider whose
// receipt should become a parent of the new one.
type ParentRef struct {
	ExternalID string
	Relation   receipt.RelationType
}

// Instruction tells the ingestion service to create one receipt.
type Instruction struct {
	Type       receipt.Type
	Payload    map[string]any
	ParentRefs []ParentRef
}

// Provider adapts one external event source.
type Provider interface {
	// Name is the registry key and the ledger provider column.
	Name() string

	// Parse validates the raw body and extracts the event. eventType is a
	// transport hint (e.g. a topic header) for providers whose bodies do
	// not carry the event type.
	Parse(eventType string, body []byte) (*Event, error)

	// Map turns a parsed event into receipt instructions.
	Map(event *Event) ([]Instruction, error)

	// Wait blocks until the provider's rate limiter allows an event.
	Wait(ctx context.Context) error
}

// BaseProvider carries the name, rate limiter, and payload schema shared
// by the concrete adapters.
type BaseProvider struct {
	name     string
	limiter  *rate.Limiter
	compiled *jsonschema.Schema
}

// NewBaseProvider compiles the schema and builds the limiter. An empty
// schema disables payload validation.
func NewBaseProvider(name, schema string, r rate.Limit, burst int) (*BaseProvider, error) {
	b := &BaseProvider{
		name:    name,
		limiter: rate.NewLimiter(r, burst),
	}
	if schema != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		schemaURL := fmt.Sprintf("https://certnode.schemas.local/integrations/%s.schema.json", name)
		if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
			return nil, fmt.Errorf("load %s schema: %w", name, err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		b.compiled = compiled
	}
	return b, nil
}

// Name returns the registry key.
func (b *BaseProvider) Name() string { return b.name }

// Wait blocks until the rate limiter allows an event.
func (b *BaseProvider) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// validatePayload checks a decoded body against the provider schema.
func (b *BaseProvider) validatePayload(payload map[string]any) error {
	if b.compiled == nil {
		return nil
	}
	// jsonschema validates any, but map keys must be plain JSON types.
	if err := b.compiled.Validate(map[string]any(payload)); err != nil {
		return receipt.NewValidationError("payload", err.Error())
	}
	return nil
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Later registrations replace earlier ones.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get looks a provider up by name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, &receipt.NotFoundError{Kind: "provider", ID: name}
	}
	return p, nil
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
