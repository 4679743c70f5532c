package graph

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certnode/core/pkg/receipt"
	"github.com/certnode/core/pkg/tiers"
)

func newTestEngine(t *testing.T) (*Engine, *MemoryStore) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	store := NewMemoryStore()
	return NewEngine(store, key, "issuer-1"), store
}

func link(parentID string, rel receipt.RelationType) []receipt.ParentLink {
	return []receipt.ParentLink{{ReceiptID: parentID, RelationType: rel}}
}

func TestCreateReceipt_DepthInvariant(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	root, err := e.CreateReceipt(ctx, "t1", receipt.TypeTransaction, map[string]any{"n": 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, root.GraphDepth)
	assert.NotEmpty(t, root.ID)
	assert.NotEmpty(t, root.Proof.Signature)
	assert.NotEmpty(t, root.GraphHash)

	child, err := e.CreateReceipt(ctx, "t1", receipt.TypeContent, map[string]any{"n": 1}, link(root.ID, receipt.RelationEvidences))
	require.NoError(t, err)
	assert.Equal(t, 1, child.GraphDepth)

	// Depth follows the deepest parent.
	shallow, err := e.CreateReceipt(ctx, "t1", receipt.TypeOps, map[string]any{"n": 2}, nil)
	require.NoError(t, err)
	multi, err := e.CreateReceipt(ctx, "t1", receipt.TypeOps, map[string]any{"n": 3}, []receipt.ParentLink{
		{ReceiptID: shallow.ID, RelationType: receipt.RelationCauses},
		{ReceiptID: child.ID, RelationType: receipt.RelationFulfills},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, multi.GraphDepth)
}

func TestCreateReceipt_ParentNotFound(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.CreateReceipt(context.Background(), "t1", receipt.TypeTransaction, map[string]any{"n": 1},
		link("missing", receipt.RelationCauses))
	require.Error(t, err)
	var nfe *receipt.NotFoundError
	assert.ErrorAs(t, err, &nfe)
	assert.ErrorIs(t, err, receipt.ErrNotFound)
}

func TestCreateReceipt_TenantIsolation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	root, err := e.CreateReceipt(ctx, "tenant-a", receipt.TypeTransaction, map[string]any{"n": 1}, nil)
	require.NoError(t, err)

	// A receipt in tenant-b cannot link to tenant-a's graph.
	_, err = e.CreateReceipt(ctx, "tenant-b", receipt.TypeTransaction, map[string]any{"n": 2},
		link(root.ID, receipt.RelationCauses))
	require.Error(t, err)
	assert.ErrorIs(t, err, receipt.ErrNotFound)

	// Nor read it.
	_, err = e.GetReceipt(ctx, "tenant-b", root.ID)
	assert.ErrorIs(t, err, receipt.ErrNotFound)
}

func TestCreateReceipt_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	var ve *receipt.ValidationError

	_, err := e.CreateReceipt(ctx, "", receipt.TypeTransaction, map[string]any{}, nil)
	assert.ErrorAs(t, err, &ve)

	_, err = e.CreateReceipt(ctx, "t1", "BOGUS", map[string]any{}, nil)
	assert.ErrorAs(t, err, &ve)

	_, err = e.CreateReceipt(ctx, "t1", receipt.TypeTransaction, nil, nil)
	assert.ErrorAs(t, err, &ve)

	root, err := e.CreateReceipt(ctx, "t1", receipt.TypeTransaction, map[string]any{"n": 1}, nil)
	require.NoError(t, err)

	_, err = e.CreateReceipt(ctx, "t1", receipt.TypeTransaction, map[string]any{"n": 2},
		link(root.ID, "NOT_A_RELATION"))
	assert.ErrorAs(t, err, &ve)

	_, err = e.CreateReceipt(ctx, "t1", receipt.TypeTransaction, map[string]any{"n": 3}, []receipt.ParentLink{
		{ReceiptID: root.ID, RelationType: receipt.RelationCauses},
		{ReceiptID: root.ID, RelationType: receipt.RelationCauses},
	})
	assert.ErrorAs(t, err, &ve)
}

// buildChain creates R -> C (EVIDENCES) -> G (FULFILLS) and returns all three.
func buildChain(t *testing.T, e *Engine, tenant string) (root, child, grand *receipt.Receipt) {
	t.Helper()
	ctx := context.Background()
	var err error

	root, err = e.CreateReceipt(ctx, tenant, receipt.TypeTransaction, map[string]any{"step": "root"}, nil)
	require.NoError(t, err)
	child, err = e.CreateReceipt(ctx, tenant, receipt.TypeContent, map[string]any{"step": "child"},
		link(root.ID, receipt.RelationEvidences))
	require.NoError(t, err)
	grand, err = e.CreateReceipt(ctx, tenant, receipt.TypeOps, map[string]any{"step": "grand"},
		link(child.ID, receipt.RelationFulfills))
	require.NoError(t, err)
	return root, child, grand
}

func TestTraverse_DescendantsScenario(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	root, _, grand := buildChain(t, e, "t1")

	view, err := e.Traverse(ctx, "t1", root.ID, tiers.Pro, DirectionDescendants)
	require.NoError(t, err)
	assert.Len(t, view.Nodes, 3)
	assert.Len(t, view.Edges, 2)
	assert.Equal(t, 2, view.TotalDepth)
	assert.False(t, view.DepthLimitReached)

	// Append a 6-deep chain below the grandchild; FREE must truncate.
	parent := grand
	for i := 0; i < 6; i++ {
		next, err := e.CreateReceipt(ctx, "t1", receipt.TypeOps, map[string]any{"deep": i},
			link(parent.ID, receipt.RelationCauses))
		require.NoError(t, err)
		parent = next
	}

	proView, err := e.Traverse(ctx, "t1", root.ID, tiers.Pro, DirectionDescendants)
	require.NoError(t, err)
	freeView, err := e.Traverse(ctx, "t1", root.ID, tiers.Free, DirectionDescendants)
	require.NoError(t, err)

	assert.True(t, freeView.DepthLimitReached)
	assert.Less(t, len(freeView.Nodes), len(proView.Nodes))
	for _, n := range freeView.Nodes {
		assert.LessOrEqual(t, n.DepthFromRoot, 3, "FREE tier must never return a node deeper than 3")
	}

	entView, err := e.Traverse(ctx, "t1", root.ID, tiers.Enterprise, DirectionDescendants)
	require.NoError(t, err)
	assert.Len(t, entView.Nodes, 9, "ENTERPRISE returns the full reachable graph")
	assert.False(t, entView.DepthLimitReached)
}

func TestTraverse_Ancestors(t *testing.T) {
	e, _ := newTestEngine(t)
	root, child, grand := buildChain(t, e, "t1")

	view, err := e.Traverse(context.Background(), "t1", grand.ID, tiers.Pro, DirectionAncestors)
	require.NoError(t, err)
	require.Len(t, view.Nodes, 3)
	assert.Equal(t, grand.ID, view.Nodes[0].Receipt.ID)
	assert.Equal(t, child.ID, view.Nodes[1].Receipt.ID)
	assert.Equal(t, root.ID, view.Nodes[2].Receipt.ID)
	assert.Equal(t, []string{grand.ID, child.ID, root.ID}, view.Nodes[2].Path)
}

func TestTraverse_NaturalTerminationIsNotALimit(t *testing.T) {
	e, _ := newTestEngine(t)
	root, _, _ := buildChain(t, e, "t1")

	// Chain depth 2 < FREE ceiling 3: exhaustion is natural.
	view, err := e.Traverse(context.Background(), "t1", root.ID, tiers.Free, DirectionDescendants)
	require.NoError(t, err)
	assert.False(t, view.DepthLimitReached)
	assert.Len(t, view.Nodes, 3)
}

func TestTraverse_RootNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Traverse(context.Background(), "t1", "missing", tiers.Free, DirectionDescendants)
	assert.ErrorIs(t, err, receipt.ErrNotFound)
}

func TestFindPaths_SinglePath(t *testing.T) {
	e, _ := newTestEngine(t)
	root, child, grand := buildChain(t, e, "t1")

	paths, err := e.FindPaths(context.Background(), "t1", root.ID, grand.ID, 0)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, []string{root.ID, child.ID, grand.ID}, paths[0].ReceiptIDs)
	assert.Equal(t, 2, paths[0].Length)
	require.Len(t, paths[0].Relationships, 2)
	assert.Equal(t, receipt.RelationEvidences, paths[0].Relationships[0].RelationType)
	assert.Equal(t, receipt.RelationFulfills, paths[0].Relationships[1].RelationType)
}

func TestFindPaths_Unreachable(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	root, _, _ := buildChain(t, e, "t1")

	island, err := e.CreateReceipt(ctx, "t1", receipt.TypeOps, map[string]any{"island": true}, nil)
	require.NoError(t, err)

	paths, err := e.FindPaths(ctx, "t1", root.ID, island.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, paths)
	assert.NotNil(t, paths, "unreachable is an empty slice, not an error")
}

func TestFindPaths_DiamondShortestFirst(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.CreateReceipt(ctx, "t1", receipt.TypeTransaction, map[string]any{"n": "a"}, nil)
	require.NoError(t, err)
	b, err := e.CreateReceipt(ctx, "t1", receipt.TypeContent, map[string]any{"n": "b"},
		link(a.ID, receipt.RelationCauses))
	require.NoError(t, err)
	// d links directly to a and through b: two distinct paths.
	d, err := e.CreateReceipt(ctx, "t1", receipt.TypeOps, map[string]any{"n": "d"}, []receipt.ParentLink{
		{ReceiptID: a.ID, RelationType: receipt.RelationCauses},
		{ReceiptID: b.ID, RelationType: receipt.RelationEvidences},
	})
	require.NoError(t, err)

	paths, err := e.FindPaths(ctx, "t1", a.ID, d.ID, 10)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, 1, paths[0].Length, "shortest path first")
	assert.Equal(t, 2, paths[1].Length)

	capped, err := e.FindPaths(ctx, "t1", a.ID, d.ID, 1)
	require.NoError(t, err)
	assert.Len(t, capped, 1)
}

func TestAnalytics(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	buildChain(t, e, "t1")

	orphan, err := e.CreateReceipt(ctx, "t1", receipt.TypeOps, map[string]any{"alone": true}, nil)
	require.NoError(t, err)

	summary, err := e.Analytics(ctx, "t1", false)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.TotalReceipts)
	assert.Equal(t, 2, summary.TotalRelationships)
	assert.Equal(t, 2, summary.MaxDepth)
	assert.Equal(t, 1, summary.ReceiptsByType[receipt.TypeTransaction])
	assert.Equal(t, 1, summary.ReceiptsByType[receipt.TypeContent])
	assert.Equal(t, 2, summary.ReceiptsByType[receipt.TypeOps])
	assert.Equal(t, 1, summary.RelationshipsByType[receipt.RelationEvidences])
	assert.Equal(t, 1, summary.OrphanedReceipts)
	assert.Equal(t, []string{orphan.ID}, summary.OrphanedReceiptIDs)
}

func TestValidateIntegrity_CleanGraph(t *testing.T) {
	e, _ := newTestEngine(t)
	buildChain(t, e, "t1")

	issues, err := e.ValidateIntegrity(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestValidateIntegrity_DetectsDepthMismatch(t *testing.T) {
	e, store := newTestEngine(t)
	_, child, _ := buildChain(t, e, "t1")

	// Corrupt the stored depth directly; the validator must flag it.
	store.mu.Lock()
	store.tenants["t1"].receipts[child.ID].GraphDepth = 7
	store.mu.Unlock()

	issues, err := e.ValidateIntegrity(context.Background(), "t1")
	require.NoError(t, err)
	require.NotEmpty(t, issues)
	found := false
	for _, issue := range issues {
		if issue.Kind == "depth_mismatch" && issue.ReceiptID == child.ID {
			found = true
		}
	}
	assert.True(t, found, "expected depth_mismatch for corrupted receipt, got %v", issues)
}

func TestValidateIntegrity_DetectsCycle(t *testing.T) {
	e, store := newTestEngine(t)
	root, _, grand := buildChain(t, e, "t1")

	// Force a back-edge directly into storage, bypassing the engine.
	store.mu.Lock()
	tg := store.tenants["t1"]
	idx := len(tg.edges)
	back := receipt.Relationship{
		ParentReceiptID: grand.ID,
		ChildReceiptID:  root.ID,
		RelationType:    receipt.RelationCauses,
	}
	tg.edges = append(tg.edges, back)
	tg.parents[root.ID] = append(tg.parents[root.ID], idx)
	tg.children[grand.ID] = append(tg.children[grand.ID], idx)
	store.mu.Unlock()

	issues, err := e.ValidateIntegrity(context.Background(), "t1")
	require.NoError(t, err)
	hasCycle := false
	for _, issue := range issues {
		if issue.Kind == "cycle" {
			hasCycle = true
		}
	}
	assert.True(t, hasCycle, "expected a cycle finding, got %v", issues)
}

func TestCalculateCompleteness_Monotonic(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	lone, err := e.CreateReceipt(ctx, "t1", receipt.TypeTransaction, map[string]any{"n": 1}, nil)
	require.NoError(t, err)
	base, err := e.CalculateCompleteness(ctx, "t1", lone.ID, tiers.Pro)
	require.NoError(t, err)

	// Attach evidence; the score must not decrease.
	ev, err := e.CreateReceipt(ctx, "t1", receipt.TypeContent, map[string]any{"ev": 1},
		link(lone.ID, receipt.RelationEvidences))
	require.NoError(t, err)
	withEvidence, err := e.CalculateCompleteness(ctx, "t1", lone.ID, tiers.Pro)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, withEvidence.Score, base.Score)

	_, err = e.CreateReceipt(ctx, "t1", receipt.TypeOps, map[string]any{"more": 1},
		link(ev.ID, receipt.RelationEvidences))
	require.NoError(t, err)
	richer, err := e.CalculateCompleteness(ctx, "t1", ev.ID, tiers.Pro)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, richer.Score, 20)
	assert.LessOrEqual(t, richer.Score, 100)
}

func TestCreateBatch_PartialFailure(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	reqs := []CreateRequest{
		{Type: receipt.TypeTransaction, Payload: map[string]any{"n": 1}},
		{Type: "BOGUS", Payload: map[string]any{"n": 2}},
		{Type: receipt.TypeOps, Payload: map[string]any{"n": 3}},
	}

	result := e.CreateBatch(ctx, "t1", reqs, BatchOptions{})
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Items, 3)
	assert.NotEmpty(t, result.Items[1].Err)
	assert.NotNil(t, result.Items[2].Receipt, "one failure never blocks the rest")
}

func TestCreateBatch_StopOnError(t *testing.T) {
	e, _ := newTestEngine(t)

	reqs := []CreateRequest{
		{Type: "BOGUS", Payload: map[string]any{"n": 1}},
		{Type: receipt.TypeOps, Payload: map[string]any{"n": 2}},
	}
	result := e.CreateBatch(context.Background(), "t1", reqs, BatchOptions{StopOnError: true})
	assert.Equal(t, 0, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, result.Items, 1, "halted at first failure")
}

func TestCreateReceipt_ConcurrentSameTenant(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	root, err := e.CreateReceipt(ctx, "t1", receipt.TypeTransaction, map[string]any{"n": 0}, nil)
	require.NoError(t, err)

	const workers = 16
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			_, err := e.CreateReceipt(ctx, "t1", receipt.TypeOps, map[string]any{"worker": i},
				link(root.ID, receipt.RelationCauses))
			errs <- err
		}(i)
	}
	for i := 0; i < workers; i++ {
		require.NoError(t, <-errs)
	}

	summary, err := e.Analytics(ctx, "t1", true)
	require.NoError(t, err)
	assert.Equal(t, workers+1, summary.TotalReceipts)
	assert.Empty(t, summary.IntegrityIssues)
}

func TestGraphHash_BindsParents(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.CreateReceipt(ctx, "t1", receipt.TypeTransaction, map[string]any{"n": fmt.Sprint(1)}, nil)
	require.NoError(t, err)
	b, err := e.CreateReceipt(ctx, "t1", receipt.TypeTransaction, map[string]any{"n": fmt.Sprint(2)},
		link(a.ID, receipt.RelationCauses))
	require.NoError(t, err)

	assert.NotEqual(t, a.GraphHash, b.GraphHash)
}
