package market_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmarket/internal/inft"
	"agentmarket/internal/market"
)

func TestComposeFromOwnedAndBoughtAgents(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	own := e.createAgent(t, 3)
	bought := e.createAgent(t, 1)
	_, err := e.svc.Purchases.Purchase(ctx, market.PurchaseRequest{AgentID: bought, BuyerID: 3})
	require.NoError(t, err)

	comp, err := e.svc.Composer.Compose(ctx, market.ComposeRequest{
		CreatorID: 3,
		Title:     "Review pipeline",
		Components: []market.CompositionComponent{
			{AgentID: own, Role: "drafter"},
			{AgentID: bought, Role: " ", Position: 7},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Composite agent", comp.Description)
	require.Len(t, comp.Components, 2)
	assert.Equal(t, 1, comp.Components[0].Position)
	assert.Equal(t, "component", comp.Components[1].Role)
	assert.Equal(t, 7, comp.Components[1].Position)

	a, err := e.svc.Registry.Get(ctx, comp.ID)
	require.NoError(t, err)
	assert.Equal(t, market.TypeComposite, a.Type)
	assert.False(t, a.IsPublic)
	assert.Equal(t, "0", a.Price)

	list, err := e.svc.Composer.List(ctx, 3)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, comp.ID, list[0].ID)
	assert.Len(t, list[0].Components, 2)

	empty, err := e.svc.Composer.List(ctx, 1)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestComposeRejects(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	mine := e.createAgent(t, 3)
	mine2 := e.createAgent(t, 3)
	other := e.createAgent(t, 1)

	cases := []struct {
		name  string
		req   market.ComposeRequest
		check error
	}{
		{"anonymous", market.ComposeRequest{Title: "x"}, market.ErrUnauthenticated},
		{"too few", market.ComposeRequest{CreatorID: 3, Title: "x", Components: []market.CompositionComponent{{AgentID: mine}}}, market.ErrValidation},
		{"duplicate", market.ComposeRequest{CreatorID: 3, Title: "x", Components: []market.CompositionComponent{{AgentID: mine}, {AgentID: mine}}}, market.ErrValidation},
		{"unknown agent", market.ComposeRequest{CreatorID: 3, Title: "x", Components: []market.CompositionComponent{{AgentID: mine}, {AgentID: 999}}}, market.ErrNotFound},
		{"not authorized", market.ComposeRequest{CreatorID: 3, Title: "x", Components: []market.CompositionComponent{{AgentID: mine}, {AgentID: other}}}, market.ErrForbidden},
		{"missing title", market.ComposeRequest{CreatorID: 3, Components: []market.CompositionComponent{{AgentID: mine}, {AgentID: mine2}}}, market.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.svc.Composer.Compose(ctx, tc.req)
			assert.ErrorIs(t, err, tc.check)
		})
	}

	list, err := e.svc.Composer.List(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestArchiverWritesJSONLBatches(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agentID := e.createAgent(t, 1)
	require.NoError(t, e.svc.Ledger.Grant(ctx, agentID, 3, 10))
	for i := 0; i < 3; i++ {
		_, err := e.svc.Inference.Invoke(ctx, market.InvokeRequest{AgentID: agentID, UserID: 3, Messages: hello()})
		require.NoError(t, err)
	}

	objects := inft.NewLocalStore(t.TempDir(), "")
	archiver := market.NewArchiver(e.store, objects, 2, time.Hour, market.Options{Now: e.clock.Now, Logger: quietLogger()})

	n, err := archiver.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "logs younger than the minimum age stay put")

	e.clock.Advance(2 * time.Hour)
	n, err = archiver.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	keys, err := objects.List(ctx, "inference-logs/", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"inference-logs/2026/03/01/1-2.jsonl",
		"inference-logs/2026/03/01/3-3.jsonl",
	}, keys)

	body, err := objects.Get(ctx, keys[0])
	require.NoError(t, err)
	sc := bufio.NewScanner(bytes.NewReader(body))
	lines := 0
	for sc.Scan() {
		var l market.InferenceLog
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		assert.Equal(t, market.InferenceSuccess, l.Status)
		lines++
	}
	assert.Equal(t, 2, lines)

	for _, l := range e.store.InferenceLogs() {
		assert.NotNil(t, l.ArchivedAt)
	}

	n, err = archiver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiverRetryKeepsUploadedObject(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agentID := e.createAgent(t, 1)
	require.NoError(t, e.svc.Ledger.Grant(ctx, agentID, 3, 10))
	_, err := e.svc.Inference.Invoke(ctx, market.InvokeRequest{AgentID: agentID, UserID: 3, Messages: hello()})
	require.NoError(t, err)
	e.clock.Advance(2 * time.Hour)

	// The upload of an earlier run landed but its rows were never stamped.
	objects := inft.NewLocalStore(t.TempDir(), "")
	const key = "inference-logs/2026/03/01/1-1.jsonl"
	require.NoError(t, objects.Put(ctx, key, "application/x-ndjson", []byte("uploaded\n")))

	archiver := market.NewArchiver(e.store, objects, 10, time.Hour, market.Options{Now: e.clock.Now, Logger: quietLogger()})
	n, err := archiver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	body, err := objects.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "uploaded\n", string(body))
	for _, l := range e.store.InferenceLogs() {
		assert.NotNil(t, l.ArchivedAt)
	}
}
