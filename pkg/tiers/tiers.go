// Package tiers defines subscription tier definitions for CertNode.
// Tiers gate how deep a tenant may traverse its receipt graph.
package tiers

// TierID identifies a subscription tier.
type TierID string

const (
	TierFree       TierID = "FREE"
	TierStarter    TierID = "STARTER"
	TierPro        TierID = "PRO"
	TierEnterprise TierID = "ENTERPRISE"
)

// Limits defines resource limits for a tier.
type Limits struct {
	MaxTraversalDepth int // -1 = unlimited
	MaxBatchSize      int // receipts per batch create
	MaxPathResults    int // default cap for findPaths
}

// Tier represents a subscription tier with its limits and features.
type Tier struct {
	ID       TierID
	Name     string
	Limits   Limits
	Features []string
}

// All available tiers
var (
	Free = Tier{
		ID:   TierFree,
		Name: "Free",
		Limits: Limits{
			MaxTraversalDepth: 3,
			MaxBatchSize:      10,
			MaxPathResults:    5,
		},
		Features: []string{"basic_receipts", "graph_traversal"},
	}

	Starter = Tier{
		ID:   TierStarter,
		Name: "Starter",
		Limits: Limits{
			MaxTraversalDepth: 5,
			MaxBatchSize:      50,
			MaxPathResults:    10,
		},
		Features: []string{"basic_receipts", "graph_traversal", "integrations"},
	}

	Pro = Tier{
		ID:   TierPro,
		Name: "Pro",
		Limits: Limits{
			MaxTraversalDepth: 10,
			MaxBatchSize:      200,
			MaxPathResults:    25,
		},
		Features: []string{
			"basic_receipts",
			"graph_traversal",
			"integrations",
			"analytics",
			"api_access",
		},
	}

	Enterprise = Tier{
		ID:   TierEnterprise,
		Name: "Enterprise",
		Limits: Limits{
			MaxTraversalDepth: -1, // unlimited
			MaxBatchSize:      1000,
			MaxPathResults:    100,
		},
		Features: []string{"all"},
	}

	// AllTiers contains all available tiers
	AllTiers = map[TierID]Tier{
		TierFree:       Free,
		TierStarter:    Starter,
		TierPro:        Pro,
		TierEnterprise: Enterprise,
	}
)

// Get returns a tier by ID, or nil if not found. Unknown tiers are a
// caller-level validation error, never silently downgraded.
func Get(id TierID) *Tier {
	tier, ok := AllTiers[id]
	if !ok {
		return nil
	}
	return &tier
}

// HasFeature checks if a tier has a specific feature.
func (t *Tier) HasFeature(feature string) bool {
	for _, f := range t.Features {
		if f == feature || f == "all" {
			return true
		}
	}
	return false
}

// Unlimited checks if a limit value means unlimited (-1).
func Unlimited(limit int) bool {
	return limit < 0
}

// AllowsDepth reports whether a depth-from-root is within the tier's
// traversal ceiling.
func (t *Tier) AllowsDepth(depth int) bool {
	return Unlimited(t.Limits.MaxTraversalDepth) || depth <= t.Limits.MaxTraversalDepth
}
