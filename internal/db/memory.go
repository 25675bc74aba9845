package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentmarket/internal/market"
)

type grantKey struct{ agent, user int64 }

type compRow struct {
	composite int64
	market.CompositionComponent
}

type memState struct {
	agents  map[int64]market.Agent
	grants  map[grantKey]market.Grant
	txs     []market.Transaction
	logs    []market.InferenceLog
	users   map[int64]market.User
	apiKeys map[string]int64
	comps   []compRow
	nextID  map[string]int64
}

func (s *memState) id(table string) int64 {
	s.nextID[table]++
	return s.nextID[table]
}

func (s *memState) clone() *memState {
	c := &memState{
		agents:  make(map[int64]market.Agent, len(s.agents)),
		grants:  make(map[grantKey]market.Grant, len(s.grants)),
		txs:     append([]market.Transaction(nil), s.txs...),
		logs:    append([]market.InferenceLog(nil), s.logs...),
		users:   make(map[int64]market.User, len(s.users)),
		apiKeys: make(map[string]int64, len(s.apiKeys)),
		comps:   append([]compRow(nil), s.comps...),
		nextID:  make(map[string]int64, len(s.nextID)),
	}
	for k, v := range s.agents {
		c.agents[k] = v
	}
	for k, v := range s.grants {
		c.grants[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.apiKeys {
		c.apiKeys[k] = v
	}
	for k, v := range s.nextID {
		c.nextID[k] = v
	}
	return c
}

// Memory is a process-local market.Store. InTx holds the store lock for the
// whole unit of work and swaps in the modified copy on success, so a failed
// unit leaves no trace.
type Memory struct {
	mu  sync.Mutex
	st  *memState
	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		st: &memState{
			agents:  map[int64]market.Agent{},
			grants:  map[grantKey]market.Grant{},
			users:   map[int64]market.User{},
			apiKeys: map[string]int64{},
			nextID:  map[string]int64{},
		},
		now: time.Now,
	}
}

func (m *Memory) Close() {}

func notFound(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, market.ErrNotFound)
}

// conflict marks a unique-constraint hit; cause is the driver error, if any.
func conflict(what string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", what, market.ErrConflict)
	}
	return fmt.Errorf("%s: %w: %w", what, market.ErrConflict, cause)
}

func (m *Memory) CreateAgent(_ context.Context, d market.AgentDraft) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memCreateAgent(m.st, d, m.now()), nil
}

func memCreateAgent(st *memState, d market.AgentDraft, now time.Time) int64 {
	id := st.id("agents")
	now = now.UTC()
	st.agents[id] = market.Agent{
		ID:           id,
		CreatorID:    d.CreatorID,
		Title:        d.Title,
		Description:  d.Description,
		Type:         d.Type,
		ThumbnailURL: d.ThumbnailURL,
		Price:        d.Price,
		Status:       d.Status,
		IsPublic:     d.IsPublic,
		Metadata:     d.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return id
}

func (m *Memory) GetAgent(_ context.Context, id int64) (market.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.st.agents[id]
	if !ok {
		return market.Agent{}, notFound("agent", id)
	}
	return a, nil
}

func (m *Memory) ListAgents(_ context.Context, f market.ListFilter) ([]market.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []market.Agent
	for _, a := range m.st.agents {
		if f.CreatorID > 0 && a.CreatorID != f.CreatorID {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.Status != "" && string(a.Status) != f.Status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, f.Limit, f.Offset), nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return []T{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func (m *Memory) SetPublication(_ context.Context, agentID int64, p market.Publication, status market.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.st.agents[agentID]
	if !ok {
		return notFound("agent", agentID)
	}
	pub := p
	a.Publication = &pub
	a.Status = status
	a.UpdatedAt = m.now().UTC()
	m.st.agents[agentID] = a
	return nil
}

func (m *Memory) GetGrant(_ context.Context, agentID, userID int64) (market.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.st.grants[grantKey{agentID, userID}]
	if !ok {
		return market.Grant{}, notFound("grant", grantKey{agentID, userID})
	}
	return g, nil
}

func (m *Memory) ListUserGrants(_ context.Context, userID int64) ([]market.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []market.Grant
	for k, g := range m.st.grants {
		if k.user == userID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].AgentID > out[j].AgentID
	})
	return out, nil
}

func (m *Memory) IncrementUsage(_ context.Context, agentID, userID int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := grantKey{agentID, userID}
	g, ok := m.st.grants[k]
	if !ok {
		return false, nil
	}
	g.UsageCount++
	g.UpdatedAt = now
	m.st.grants[k] = g
	return true, nil
}

func (m *Memory) ReserveUsage(_ context.Context, agentID, userID int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := grantKey{agentID, userID}
	g, ok := m.st.grants[k]
	if !ok || !g.Usable(now) {
		return false, nil
	}
	g.UsageCount++
	g.UpdatedAt = now
	m.st.grants[k] = g
	return true, nil
}

func (m *Memory) ReleaseUsage(_ context.Context, agentID, userID int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := grantKey{agentID, userID}
	g, ok := m.st.grants[k]
	if !ok {
		return nil
	}
	if g.UsageCount > 0 {
		g.UsageCount--
	}
	g.UpdatedAt = now
	m.st.grants[k] = g
	return nil
}

func (m *Memory) AppendInferenceLog(_ context.Context, l market.InferenceLog) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = m.st.id("inference_logs")
	if l.CreatedAt.IsZero() {
		l.CreatedAt = m.now().UTC()
	}
	m.st.logs = append(m.st.logs, l)
	return l.ID, nil
}

// InferenceLogs returns every stored log in insertion order.
func (m *Memory) InferenceLogs() []market.InferenceLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]market.InferenceLog(nil), m.st.logs...)
}

func (m *Memory) ListUnarchivedInferenceLogs(_ context.Context, before time.Time, limit int) ([]market.InferenceLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []market.InferenceLog
	for _, l := range m.st.logs {
		if l.ArchivedAt != nil || !l.CreatedAt.Before(before) {
			continue
		}
		out = append(out, l)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkInferenceLogsArchived(_ context.Context, ids []int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i := range m.st.logs {
		if _, ok := want[m.st.logs[i].ID]; ok && m.st.logs[i].ArchivedAt == nil {
			t := at
			m.st.logs[i].ArchivedAt = &t
		}
	}
	return nil
}

func (m *Memory) ListTransactions(_ context.Context, buyerID int64, limit, offset int) ([]market.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []market.Transaction
	for i := len(m.st.txs) - 1; i >= 0; i-- {
		if m.st.txs[i].BuyerID == buyerID {
			out = append(out, m.st.txs[i])
		}
	}
	return page(out, limit, offset), nil
}

// Transactions returns every stored transaction in insertion order.
func (m *Memory) Transactions() []market.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]market.Transaction(nil), m.st.txs...)
}

func (m *Memory) ListCompositions(_ context.Context, creatorID int64) ([]market.Composition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []market.Composition
	for _, a := range m.st.agents {
		if a.CreatorID != creatorID || a.Type != market.TypeComposite {
			continue
		}
		c := market.Composition{ID: a.ID, Title: a.Title, Description: a.Description, Components: []market.CompositionComponent{}}
		for _, r := range m.st.comps {
			if r.composite == a.ID {
				c.Components = append(c.Components, r.CompositionComponent)
			}
		}
		sort.Slice(c.Components, func(i, j int) bool { return c.Components[i].Position < c.Components[j].Position })
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) CreateUser(_ context.Context, u market.User, keyHash string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.st.apiKeys[keyHash]; dup && keyHash != "" {
		return 0, conflict("api key", nil)
	}
	if u.Email != "" {
		for _, existing := range m.st.users {
			if existing.Email == u.Email {
				return 0, conflict("user email", nil)
			}
		}
	}
	u.ID = m.st.id("users")
	m.st.users[u.ID] = u
	if keyHash != "" {
		m.st.apiKeys[keyHash] = u.ID
	}
	return u.ID, nil
}

func (m *Memory) GetUser(_ context.Context, id int64) (market.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.st.users[id]
	if !ok {
		return market.User{}, notFound("user", id)
	}
	return u, nil
}

func (m *Memory) UpdateUser(_ context.Context, id int64, p market.UserPatch) (market.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.st.users[id]
	if !ok {
		return market.User{}, notFound("user", id)
	}
	if p.Email != nil && *p.Email != "" {
		for otherID, other := range m.st.users {
			if otherID != id && other.Email == *p.Email {
				return market.User{}, conflict("user email", nil)
			}
		}
	}
	apply := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	apply(&u.Email, p.Email)
	apply(&u.WalletAddress, p.WalletAddress)
	apply(&u.DisplayName, p.DisplayName)
	apply(&u.Bio, p.Bio)
	m.st.users[id] = u
	return u, nil
}

func (m *Memory) UserByAPIKeyHash(_ context.Context, keyHash string) (market.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.st.apiKeys[keyHash]
	if !ok {
		return market.User{}, notFound("api key", "")
	}
	return m.st.users[id], nil
}

func (m *Memory) InTx(ctx context.Context, fn func(tx market.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.st.clone()
	if err := fn(&memTx{st: work, now: m.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.st = work
	return nil
}

type memTx struct {
	st  *memState
	now func() time.Time
}

func (t *memTx) CreateAgent(_ context.Context, d market.AgentDraft) (int64, error) {
	return memCreateAgent(t.st, d, t.now()), nil
}

func (t *memTx) AddComponent(_ context.Context, compositeID int64, c market.CompositionComponent) error {
	if _, ok := t.st.agents[compositeID]; !ok {
		return notFound("agent", compositeID)
	}
	if _, ok := t.st.agents[c.AgentID]; !ok {
		return notFound("agent", c.AgentID)
	}
	for _, r := range t.st.comps {
		if r.composite == compositeID && r.AgentID == c.AgentID {
			return fmt.Errorf("component %d already part of agent %d", c.AgentID, compositeID)
		}
	}
	t.st.comps = append(t.st.comps, compRow{composite: compositeID, CompositionComponent: c})
	return nil
}

func (t *memTx) LockGrant(_ context.Context, agentID, userID int64) (market.Grant, bool, error) {
	g, ok := t.st.grants[grantKey{agentID, userID}]
	if !ok {
		return market.Grant{AgentID: agentID, UserID: userID}, false, nil
	}
	return g, true, nil
}

func (t *memTx) SaveGrant(_ context.Context, g market.Grant) error {
	if _, ok := t.st.agents[g.AgentID]; !ok {
		return notFound("agent", g.AgentID)
	}
	t.st.grants[grantKey{g.AgentID, g.UserID}] = g
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr market.Transaction) (int64, error) {
	tr.ID = t.st.id("transactions")
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = t.now().UTC()
	}
	t.st.txs = append(t.st.txs, tr)
	return tr.ID, nil
}
