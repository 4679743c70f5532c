package integrations

import (
	"encoding/json"

	"golang.org/x/time/rate"

	"github.com/certnode/core/pkg/receipt"
)

// kajabiSchema pins the outbound webhook shape: an event name plus the
// member/offer payload.
const kajabiSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "event"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"event": {"type": "string", "minLength": 1},
		"payload": {"type": "object"}
	}
}`

// KajabiProvider maps course-platform events onto the graph: purchases are
// transaction receipts, content grants are content receipts evidencing the
// purchase that triggered them.
type KajabiProvider struct {
	*BaseProvider
}

// NewKajabiProvider builds the adapter with its schema and rate limiter.
func NewKajabiProvider(r rate.Limit, burst int) (*KajabiProvider, error) {
	base, err := NewBaseProvider("kajabi", kajabiSchema, r, burst)
	if err != nil {
		return nil, err
	}
	return &KajabiProvider{BaseProvider: base}, nil
}

func (p *KajabiProvider) Parse(eventType string, body []byte) (*Event, error) {
	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, receipt.NewValidationError("body", "invalid JSON")
	}
	if err := p.validatePayload(envelope); err != nil {
		return nil, err
	}

	id, _ := envelope["id"].(string)
	event, _ := envelope["event"].(string)
	payload, _ := envelope["payload"].(map[string]any)

	return &Event{
		ExternalID: id,
		EventType:  event,
		Payload:    payload,
	}, nil
}

func (p *KajabiProvider) Map(event *Event) ([]Instruction, error) {
	payload := map[string]any{
		"provider": "kajabi",
		"event":    event.EventType,
		"detail":   event.Payload,
	}

	switch event.EventType {
	case "content.granted":
		var refs []ParentRef
		if purchaseID, ok := event.Payload["purchase_event_id"].(string); ok && purchaseID != "" {
			refs = append(refs, ParentRef{
				ExternalID: purchaseID,
				Relation:   receipt.RelationEvidences,
			})
		}
		return []Instruction{{
			Type:       receipt.TypeContent,
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
