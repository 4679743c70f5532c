package integrations

import (
	"encoding/json"

	"golang.org/x/time/rate"

	"github.com/certnode/core/pkg/receipt"
)

// stripeSchema pins the envelope shape Stripe sends: an event id, a dotted
// event type, and the affected object under data.object.
const stripeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "type", "data"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"type": {"type": "string", "minLength": 1},
		"data": {
			"type": "object",
			"required": ["object"],
			"properties": {
				"object": {"type": "object"}
			}
		}
	}
}`

// StripeProvider maps Stripe charge lifecycle events onto the graph:
// charges become transaction receipts, refunds amend the charge they
// reverse.
type StripeProvider struct {
	*BaseProvider
}

// NewStripeProvider builds the adapter with its schema and rate limiter.
func NewStripeProvider(r rate.Limit, burst int) (*StripeProvider, error) {
	base, err := NewBaseProvider("stripe", stripeSchema, r, burst)
	if err != nil {
		return nil, err
	}
	return &StripeProvider{BaseProvider: base}, nil
}

func (p *StripeProvider) Parse(eventType string, body []byte) (*Event, error) {
	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, receipt.NewValidationError("body", "invalid JSON")
	}
	if err := p.validatePayload(envelope); err != nil {
		return nil, err
	}

	id, _ := envelope["id"].(string)
	typ, _ := envelope["type"].(string)
	data, _ := envelope["data"].(map[string]any)
	object, _ := data["object"].(map[string]any)

	return &Event{
		ExternalID: id,
		EventType:  typ,
		Payload:    object,
	}, nil
}

func (p *StripeProvider) Map(event *Event) ([]Instruction, error) {
	payload := map[string]any{
		"provider": "stripe",
		"event":    event.EventType,
		"object":   event.Payload,
	}

	switch event.EventType {
	case "charge.refunded", "charge.dispute.created":
		// The refund's parent is the event that created the charge.
		var refs []ParentRef
		if chargeEvent, ok := event.Payload["charge_event_id"].(string); ok && chargeEvent != "" {
			refs = append(refs, ParentRef{
				ExternalID: chargeEvent,
				Relation:   receipt.RelationAmends,
			})
		}
		return []Instruction{{
			Type:       receipt.TypeTransaction,
			Payload:    payload,
			ParentRefs: refs,
		}}, nil
	default:
		return []Instruction{{
			Type:    receipt.TypeTransaction,
			Payload: payload,
		}}, nil
	}
}
