package market_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmarket/internal/db"
	"agentmarket/internal/market"
	"agentmarket/internal/provider"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubProvider struct {
	mu    sync.Mutex
	err   error
	calls int
	last  provider.Request
}

func (p *stubProvider) Complete(_ context.Context, req provider.Request) (provider.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last = req
	if p.err != nil {
		return provider.Result{}, p.err
	}
	return provider.Result{Content: "echo: " + req.Messages[len(req.Messages)-1].Content, ChatID: "chat-1"}, nil
}

func (p *stubProvider) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type env struct {
	store *db.Memory
	svc   *market.Services
	clock *clock
	prov  *stubProvider
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, db.NewMemory(), market.PublisherConfig{}, 0)
}

func newEnvWith(t *testing.T, store market.Store, pub market.PublisherConfig, usageLimit int) *env {
	t.Helper()
	c := newClock()
	p := &stubProvider{}
	e := &env{
		clock: c,
		prov:  p,
		svc: market.NewServices(store, p, pub, market.Options{
			Now:               c.Now,
			DefaultUsageLimit: usageLimit,
			Logger:            quietLogger(),
		}),
	}
	if m, ok := store.(*db.Memory); ok {
		e.store = m
	}
	return e
}

func (e *env) createAgent(t *testing.T, creatorID int64) int64 {
	t.Helper()
	id, err := e.svc.Registry.Create(context.Background(), market.AgentDraft{
		CreatorID:   creatorID,
		Title:       "Contract summarizer",
		Description: "Summarizes legal contracts",
		Type:        "text",
		Price:       "10",
		Status:      market.StatusActive,
		IsPublic:    true,
		Metadata: market.AgentMetadata{
			BaseModel:    "llama-3-8b",
			Capabilities: []string{"summarize"},
		},
	})
	require.NoError(t, err)
	return id
}

func hello() []market.Message {
	return []market.Message{{Role: "user", Content: "hi"}}
}

func TestNotAuthorizedBeforePurchase(t *testing.T) {
	e := newEnv(t)
	agentID := e.createAgent(t, 1)

	ok, err := e.svc.Ledger.IsAuthorized(context.Background(), agentID, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.svc.Ledger.IsAuthorized(context.Background(), 999, 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPurchaseGrantsDefaultUsage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agentID := e.createAgent(t, 1)

	res, err := e.svc.Purchases.Purchase(ctx, market.PurchaseRequest{AgentID: agentID, BuyerID: 3})
	require.NoError(t, err)
	assert.False(t, res.AlreadyAuthorized)
	assert.NotZero(t, res.TransactionID)
	assert.NotEmpty(t, res.TxHash)

	ok, err := e.svc.Ledger.IsAuthorized(ctx, agentID, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	g, err := e.svc.Ledger.Lookup(ctx, agentID, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, g.UsageCount)
	assert.Equal(t, 100, g.UsageLimit)
	assert.True(t, g.ExpiresAt.Equal(e.clock.Now().Add(30*24*time.Hour)))

	txs := e.store.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, int64(3), txs[0].BuyerID)
	assert.Equal(t, int64(1), txs[0].SellerID)
	assert.Equal(t, "10", txs[0].Price)
	assert.Equal(t, market.TransactionCompleted, txs[0].Status)
}

func TestPurchaseKeepsCallerTxHash(t *testing.T) {
	e := newEnv(t)
	agentID := e.createAgent(t, 1)
	hash := "0x" + "ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"

	res, err := e.svc.Purchases.Purchase(context.Background(), market.PurchaseRequest{AgentID: agentID, BuyerID: 3, TxHash: hash})
	require.NoError(t, err)
	assert.Equal(t, hash, res.TxHash)

	_, err = e.svc.Purchases.Purchase(context.Background(), market.PurchaseRequest{AgentID: agentID, BuyerID: 4, TxHash: "0xnothex"})
	assert.ErrorIs(t, err, market.ErrValidation)
}

func TestPurchaseTwiceShortCircuits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agentID := e.createAgent(t, 1)

	_, err := e.svc.Purchases.Purchase(ctx, market.PurchaseRequest{AgentID: agentID, BuyerID: 3})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := e.svc.Inference.Invoke(ctx, market.InvokeRequest{AgentID: agentID, UserID: 3, Messages: hello()})
		require.NoError(t, err)
	}

	res, err := e.svc.Purchases.Purchase(ctx, market.PurchaseRequest{AgentID: agentID, BuyerID: 3})
	require.NoError(t, err)
	assert.True(t, res.AlreadyAuthorized)
	assert.Zero(t, res.TransactionID)

	g, err := e.svc.Ledger.Lookup(ctx, agentID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, g.UsageCount)
	assert.Len(t, e.store.Transactions(), 1)
}

func TestPurchaseUnknownAgent(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.Purchases.Purchase(context.Background(), market.PurchaseRequest{AgentID: 999, BuyerID: 3})
	assert.ErrorIs(t, err, market.ErrNotFound)
	assert.Empty(t, e.store.Transactions())
}

func TestPurchaseRequiresBuyer(t *testing.T) {
	e := newEnv(t)
	agentID := e.createAgent(t, 1)

	_, err := e.svc.Purchases.Purchase(context.Background(), market.PurchaseRequest{AgentID: agentID})
	assert.ErrorIs(t, err, market.ErrUnauthenticated)
}

func TestUsageExhaustion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agentID := e.createAgent(t, 1)

	_, err := e.svc.Purchases.Purchase(ctx, market.PurchaseRequest{AgentID: agentID, BuyerID: 3})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		res, err := e.svc.Inference.Invoke(ctx, market.InvokeRequest{AgentID: agentID, UserID: 3, Messages: hello()})
		require.NoError(t, err, "call %d", i+1)
		assert.Equal(t, "echo: hi", res.Content)
	}

	_, err = e.svc.Inference.Invoke(ctx, market.InvokeRequest{AgentID: agentID, UserID: 3, Messages: hello()})
	assert.ErrorIs(t, err, market.ErrForbidden)

	ok, err := e.svc.Ledger.IsAuthorized(ctx, agentID, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 100, e.prov.calls)
}

func TestExpiredGrantDenies(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agentID := e.createAgent(t, 1)

	_, err := e.svc.Purchases.Purchase(ctx, market.PurchaseRequest{AgentID: agentID, BuyerID: 3})
	require.NoError(t, err)

	e.clock.Advance(30*24*time.Hour + time.Second)

	ok, err := e.svc.Ledger.IsAuthorized(ctx, agentID, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.svc.Inference.Invoke(ctx, market.InvokeRequest{AgentID: agentID, UserID: 3, Messages: hello()})
	assert.ErrorIs(t, err, market.ErrForbidden)
	assert.Zero(t, e.prov.calls)

	// Buying again after expiry renews the same grant.
	res, err := e.svc.Purchases.Purchase(ctx, market.PurchaseRequest{AgentID: agentID, BuyerID: 3})
	require.NoError(t, err)
	assert.False(t, res.AlreadyAuthorized)
	assert.Len(t, e.store.Transactions(), 2)

	g, err := e.svc.Ledger.Lookup(ctx, agentID, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, g.UsageCount)
	assert.True(t, g.ExpiresAt.After(e.clock.Now()))
}

func TestFailedInferenceKeepsBudget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agentID := e.createAgent(t, 1)

	_, err := e.svc.Purchases.Purchase(ctx, market.PurchaseRequest{AgentID: agentID, BuyerID: 3})
	require.NoError(t, err)

	e.prov.fail(&provider.Error{StatusCode: 503, Message: "model overloaded"})
	_, err = e.svc.Inference.Invoke(ctx, market.InvokeRequest{AgentID: agentID, UserID: 3, Messages: hello()})
	require.Error(t, err)
	assert.ErrorIs(t, err, market.ErrProvider)
	assert.Equal(t, "model overloaded", err.Error())

	g, err := e.svc.Ledger.Lookup(ctx, agentID, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, g.UsageCount)

	logs := e.store.InferenceLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, market.InferenceFailed, logs[0].Status)
	assert.Equal(t, "model overloaded", logs[0].Error)
	assert.Empty(t, logs[0].Output)
}

func TestSuccessfulInferenceIsLogged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agentID := e.createAgent(t, 1)

	_, err := e.svc.Purchases.Purchase(ctx, market.PurchaseRequest{AgentID: agentID, BuyerID: 3})
	require.NoError(t, err)

	res, err := e.svc.Inference.Invoke(ctx, market.InvokeRequest{AgentID: agentID, UserID: 3, Messages: hello()})
	require.NoError(t, err)
	assert.Equal(t, "chat-1", res.ChatID)
	assert.Equal(t, "llama-3-8b", e.prov.last.Model)

	logs := e.store.InferenceLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, market.InferenceSuccess, logs[0].Status)
	assert.Equal(t, "echo: hi", logs[0].Output)
	assert.JSONEq(t, `[{"role":"user","content":"hi"}]`, logs[0].Input)

	g, err := e.svc.Ledger.Lookup(ctx, agentID, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, g.UsageCount)
}

func TestInvokeRejectsBadMessages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agentID := e.createAgent(t, 1)
	_, err := e.svc.Purchases.Purchase(ctx, market.PurchaseRequest{AgentID: agentID, BuyerID: 3})
	require.NoError(t, err)

	cases := map[string][]market.Message{
		"empty":         nil,
		"unknown role":  {{Role: "tool", Content: "x"}},
		"blank content": {{Role: "user", Content: "  "}},
	}
	for name, msgs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.svc.Inference.Invoke(ctx, market.InvokeRequest{AgentID: agentID, UserID: 3, Messages: msgs})
			assert.ErrorIs(t, err, market.ErrValidation)
		})
	}

	g, err := e.svc.Ledger.Lookup(ctx, agentID, 3)
	require.NoError(t, err)
	assert.Zero(t, g.UsageCount, "rejected requests consume nothing")
	assert.Zero(t, e.prov.calls)
}

func TestInvokeChecksGrantBeforeMessages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agentID := e.createAgent(t, 1)

	_, err := e.svc.Inference.Invoke(ctx, market.InvokeRequest{AgentID: agentID, UserID: 3, Messages: nil})
	assert.ErrorIs(t, err, market.ErrForbidden)
	assert.NotErrorIs(t, err, market.ErrValidation)

	_, err = e.svc.Inference.Invoke(ctx, market.InvokeRequest{AgentID: agentID, UserID: 3, Messages: []market.Message{{Role: "tool", Content: "x"}}})
	assert.ErrorIs(t, err, market.ErrForbidden)
}

func TestLedgerStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agentID := e.createAgent(t, 1)

	_, err := e.svc.Ledger.Status(ctx, agentID, 3)
	assert.ErrorIs(t, err, market.ErrNotFound)
	_, err = e.svc.Ledger.Status(ctx, 0, 3)
	assert.ErrorIs(t, err, market.ErrNotFound)

	_, err = e.svc.Purchases.Purchase(ctx, market.PurchaseRequest{AgentID: agentID, BuyerID: 3})
	require.NoError(t, err)
	_, err = e.svc.Inference.Invoke(ctx, market.InvokeRequest{AgentID: agentID, UserID: 3, Messages: hello()})
	require.NoError(t, err)

	st, err := e.svc.Ledger.Status(ctx, agentID, 3)
	require.NoError(t, err)
	assert.True(t, st.Usable)
	assert.Equal(t, market.DefaultUsageLimit-1, st.Remaining)

	e.clock.Advance(market.DefaultGrantTTL + time.Second)
	st, err = e.svc.Ledger.Status(ctx, agentID, 3)
	require.NoError(t, err)
	assert.False(t, st.Usable)
	assert.Zero(t, st.Remaining)
	assert.Equal(t, 1, st.UsageCount)
}

func TestInvokeWithoutGrantIsForbidden(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agentID := e.createAgent(t, 1)

	_, err := e.svc.Inference.Invoke(ctx, market.InvokeRequest{AgentID: agentID, UserID: 3, Messages: hello()})
	assert.ErrorIs(t, err, market.ErrForbidden)

	_, err = e.svc.Inference.Invoke(ctx, market.InvokeRequest{AgentID: 999, UserID: 3, Messages: hello()})
	assert.ErrorIs(t, err, market.ErrForbidden)

	_, err = e.svc.Inference.Invoke(ctx, market.InvokeRequest{AgentID: agentID, Messages: hello()})
	assert.ErrorIs(t, err, market.ErrUnauthenticated)
	assert.Zero(t, e.prov.calls)
}

func TestConcurrentInvokesNeverOverdraw(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agentID := e.createAgent(t, 1)
	require.NoError(t, e.svc.Ledger.Grant(ctx, agentID, 3, 5))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		forbidden int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Inference.Invoke(ctx, market.InvokeRequest{AgentID: agentID, UserID: 3, Messages: hello()})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, market.ErrForbidden):
				forbidden++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 15, forbidden)
	g, err := e.svc.Ledger.Lookup(ctx, agentID, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, g.UsageCount)
}

func TestConcurrentPurchasesRecordOneTransaction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agentID := e.createAgent(t, 1)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		bought int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.svc.Purchases.Purchase(ctx, market.PurchaseRequest{AgentID: agentID, BuyerID: 3})
			if !assert.NoError(t, err) {
				return
			}
			if !res.AlreadyAuthorized {
				mu.Lock()
				bought++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, bought)
	assert.Len(t, e.store.Transactions(), 1)
}

// failingGrantStore fails every grant write made inside a unit of work.
type failingGrantStore struct {
	*db.Memory
}

type failingGrantTx struct {
	market.Tx
}

func (failingGrantTx) SaveGrant(context.Context, market.Grant) error {
	return errors.New("disk full")
}

func (s failingGrantStore) InTx(ctx context.Context, fn func(tx market.Tx) error) error {
	return s.Memory.InTx(ctx, func(tx market.Tx) error {
		return fn(failingGrantTx{Tx: tx})
	})
}

func TestPurchaseRollsBackWhenGrantWriteFails(t *testing.T) {
	mem := db.NewMemory()
	e := newEnvWith(t, failingGrantStore{Memory: mem}, market.PublisherConfig{}, 0)
	ctx := context.Background()
	agentID := e.createAgent(t, 1)

	_, err := e.svc.Purchases.Purchase(ctx, market.PurchaseRequest{AgentID: agentID, BuyerID: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, market.ErrPersistence)

	assert.Empty(t, mem.Transactions())
	ok, err := e.svc.Ledger.IsAuthorized(ctx, agentID, 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerGrantRefresh(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agentID := e.createAgent(t, 1)

	require.NoError(t, e.svc.Ledger.Grant(ctx, agentID, 3, 5))
	ok, err := e.svc.Ledger.IncrementUsage(ctx, agentID, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	e.clock.Advance(24 * time.Hour)
	require.NoError(t, e.svc.Ledger.Grant(ctx, agentID, 3, 0))

	g, err := e.svc.Ledger.Lookup(ctx, agentID, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, g.UsageLimit)
	assert.Equal(t, 0, g.UsageCount)
	assert.True(t, g.ExpiresAt.Equal(e.clock.Now().Add(market.DefaultGrantTTL)))
}

func TestIncrementUsageWithoutGrant(t *testing.T) {
	e := newEnv(t)
	agentID := e.createAgent(t, 1)

	ok, err := e.svc.Ledger.IncrementUsage(context.Background(), agentID, 3)
	assert.ErrorIs(t, err, market.ErrInvariant)
	assert.False(t, ok)
}

func TestAuthorizedAgentsListsGrantsThenOwnAgents(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	bought := e.createAgent(t, 1)
	own := e.createAgent(t, 3)

	_, err := e.svc.Purchases.Purchase(ctx, market.PurchaseRequest{AgentID: bought, BuyerID: 3})
	require.NoError(t, err)
	_, err = e.svc.Purchases.Purchase(ctx, market.PurchaseRequest{AgentID: own, BuyerID: 3})
	require.NoError(t, err)

	agents, err := e.svc.Registry.AuthorizedAgents(ctx, 3)
	require.NoError(t, err)
	ids := make([]int64, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []int64{bought, own}, ids)
}

func TestRegistryCreateValidates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Registry.Create(ctx, market.AgentDraft{CreatorID: 1, Title: "x", Description: "y", Type: "text"})
	var ve *market.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "price", ve.Field)

	_, err = e.svc.Registry.Create(ctx, market.AgentDraft{CreatorID: 1, Title: "x", Description: "y", Type: "text", Price: "-1"})
	assert.ErrorIs(t, err, market.ErrValidation)

	id, err := e.svc.Registry.Create(ctx, market.AgentDraft{CreatorID: 1, Title: " x ", Description: "y", Type: "text", Price: "0.5"})
	require.NoError(t, err)
	a, err := e.svc.Registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "x", a.Title)
	assert.Equal(t, market.StatusInactive, a.Status)
	assert.Equal(t, market.DefaultBaseModel, a.Metadata.BaseModel)
	assert.Equal(t, market.DefaultVerificationMode, a.Metadata.VerificationMode)
	assert.JSONEq(t, `{}`, string(a.Metadata.Parameters))
}

func TestRegistryListFilters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.createAgent(t, 1)
	e.createAgent(t, 2)
	e.createAgent(t, 2)

	all, err := e.svc.Registry.List(ctx, market.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := e.svc.Registry.List(ctx, market.ListFilter{CreatorID: 2})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	paged, err := e.svc.Registry.List(ctx, market.ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, paged, 1)

	none, err := e.svc.Registry.List(ctx, market.ListFilter{Type: "image"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}
