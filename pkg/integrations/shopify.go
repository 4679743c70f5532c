package integrations

import (
	"encoding/json"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/certnode/core/pkg/receipt"
)

// shopifySchema pins the order webhook shape: a numeric order id plus
// whatever fields the shop sends alongside it.
const shopifySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": ["integer", "string"]}
	}
}`

// ShopifyProvider maps order topics onto the graph: order creation is a
// transaction receipt, fulfillment is an ops receipt that fulfills it.
// Shopify carries the topic in a header, so Parse needs the eventType hint.
type ShopifyProvider struct {
	*BaseProvider
}

// NewShopifyProvider builds the adapter with its schema and rate limiter.
func NewShopifyProvider(r rate.Limit, burst int) (*ShopifyProvider, error) {
	base, err := NewBaseProvider("shopify", shopifySchema, r, burst)
	if err != nil {
		return nil, err
	}
	return &ShopifyProvider{BaseProvider: base}, nil
}

func (p *ShopifyProvider) Parse(eventType string, body []byte) (*Event, error) {
	if eventType == "" {
		return nil, receipt.NewValidationError("event_type", "shopify topic is required")
	}
	var order map[string]any
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, receipt.NewValidationError("body", "invalid JSON")
	}
	if err := p.validatePayload(order); err != nil {
		return nil, err
	}

	// Topic + order id together identify one delivery; the same order can
	// legitimately appear under several topics.
	orderID := fmt.Sprintf("%v", order["id"])
	return &Event{
		ExternalID: eventType + ":" + orderID,
		EventType:  eventType,
		Payload:    order,
	}, nil
}

func (p *ShopifyProvider) Map(event *Event) ([]Instruction, error) {
	payload := map[string]any{
		"provider": "shopify",
		"event":    event.EventType,
		"order":    event.Payload,
	}
	orderID := fmt.Sprintf("%v", event.Payload["id"])

	switch event.EventType {
	case "orders/fulfilled":
		return []Instruction{{
			Type:    receipt.TypeOps,
			Payload: payload,
			ParentRefs: []ParentRef{{
				ExternalID: "orders/create:" + orderID,
				Relation:   receipt.RelationFulfills,
			}},
		}}, nil
	case "orders/cancelled":
		return []Instruction{{
			Type:    receipt.TypeTransaction,
			Payload: payload,
			ParentRefs: []ParentRef{{
				ExternalID: "orders/create:" + orderID,
				Relation:   receipt.RelationInvalidates,
			}},
		}}, nil
	default:
		return []Instruction{{
			Type:    receipt.TypeTransaction,
			Payload: payload,
		}}, nil
	}
}
