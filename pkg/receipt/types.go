// Package receipt defines the core domain types for the CertNode receipt
// graph: signed receipts, typed relationships between them, and the error
// taxonomy shared by every layer above the stores.
package receipt

import (
	"time"
)

// Type classifies what a receipt attests to.
type Type string

const (
	TypeTransaction Type = "TRANSACTION"
	TypeContent     Type = "CONTENT"
	TypeOps         Type = "OPS"
)

// ValidType reports whether t is a known receipt type.
func ValidType(t Type) bool {
	switch t {
	case TypeTransaction, TypeContent, TypeOps:
		return true
	}
	return false
}

// RelationType classifies a directed parent→child edge in the graph.
type RelationType string

const (
	RelationCauses      RelationType = "CAUSES"
	RelationEvidences   RelationType = "EVIDENCES"
	RelationFulfills    RelationType = "FULFILLS"
	RelationInvalidates RelationType = "INVALIDATES"
	RelationAmends      RelationType = "AMENDS"
)

// ValidRelationType reports whether r is a known relation type.
func ValidRelationType(r RelationType) bool {
	switch r {
	case RelationCauses, RelationEvidences, RelationFulfills, RelationInvalidates, RelationAmends:
		return true
	}
	return false
}

// Proof carries the detached JWS material for a receipt. All fields are
// base64url without padding except Kid.
type Proof struct {
	Protected        string `json:"protected"`
	Signature        string `json:"signature"`
	Kid              string `json:"kid"`
	PayloadJCSSHA256 string `json:"payload_jcs_sha256,omitempty"`
	ReceiptID        string `json:"receipt_id,omitempty"`
}

// Receipt is a signed, tamper-evident attestation. Receipts are immutable
// once created; the graph is append-only.
type Receipt struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Type        Type      `json:"type"`
	Payload     any       `json:"payload"`
	ContentHash string    `json:"content_hash,omitempty"`
	Proof       Proof     `json:"proof"`
	GraphDepth  int       `json:"graph_depth"`
	GraphHash   string    `json:"graph_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Relationship is a directed edge from a parent receipt to a child receipt.
// Edges are created atomically with the child and never mutated afterward,
// which is what makes cycles structurally impossible.
type Relationship struct {
	ParentReceiptID string         `json:"parent_receipt_id"`
	ChildReceiptID  string         `json:"child_receipt_id"`
	RelationType    RelationType   `json:"relation_type"`
	Description     string         `json:"description,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ParentLink names a parent a new receipt should attach to.
type ParentLink struct {
	ReceiptID    string         `json:"receipt_id"`
	RelationType RelationType   `json:"relation_type"`
	Description  string         `json:"description,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
