package tiers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/certnode/core/pkg/tiers"
)

func TestTiers_Get(t *testing.T) {
	tests := []struct {
		id       tiers.TierID
		expected string
	}{
		{tiers.TierFree, "Free"},
		{tiers.TierStarter, "Starter"},
		{tiers.TierPro, "Pro"},
		{tiers.TierEnterprise, "Enterprise"},
	}

	for _, tt := range tests {
		tier := tiers.Get(tt.id)
		assert.NotNil(t, tier)
		assert.Equal(t, tt.expected, tier.Name)
	}
}

func TestTiers_GetUnknown(t *testing.T) {
	tier := tiers.Get("unknown-tier")
	assert.Nil(t, tier)
}

func TestTiers_TraversalDepths(t *testing.T) {
	assert.Equal(t, 3, tiers.Free.Limits.MaxTraversalDepth)
	assert.Equal(t, 5, tiers.Starter.Limits.MaxTraversalDepth)
	assert.Equal(t, 10, tiers.Pro.Limits.MaxTraversalDepth)
	assert.True(t, tiers.Unlimited(tiers.Enterprise.Limits.MaxTraversalDepth))
}

func TestTiers_AllowsDepth(t *testing.T) {
	assert.True(t, tiers.Free.AllowsDepth(0))
	assert.True(t, tiers.Free.AllowsDepth(3))
	assert.False(t, tiers.Free.AllowsDepth(4))

	// Enterprise has no ceiling at all.
	assert.True(t, tiers.Enterprise.AllowsDepth(0))
	assert.True(t, tiers.Enterprise.AllowsDepth(1_000_000))
}

func TestTiers_HasFeature(t *testing.T) {
	assert.True(t, tiers.Free.HasFeature("basic_receipts"))
	assert.False(t, tiers.Free.HasFeature("analytics"))

	assert.True(t, tiers.Pro.HasFeature("analytics"))

	// Enterprise has "all"
	assert.True(t, tiers.Enterprise.HasFeature("analytics"))
	assert.True(t, tiers.Enterprise.HasFeature("any_feature")) // "all" matches anything
}

func TestTiers_AllTiers(t *testing.T) {
	assert.Len(t, tiers.AllTiers, 4)
	assert.Contains(t, tiers.AllTiers, tiers.TierFree)
	assert.Contains(t, tiers.AllTiers, tiers.TierStarter)
	assert.Contains(t, tiers.AllTiers, tiers.TierPro)
	assert.Contains(t, tiers.AllTiers, tiers.TierEnterprise)
}
