package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentmarket/internal/market"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the production market.Store. The schema comes from
// migrations/ applied by cmd/migrate.
type Postgres struct {
	pool PgxPool
}

// PgxPool is the subset of *pgxpool.Pool the store needs.
type PgxPool interface {
	pgRunner
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func NewPostgres(pool PgxPool) *Postgres { return &Postgres{pool: pool} }

func (p *Postgres) Close() { p.pool.Close() }

// Ping reports database reachability for readiness checks.
func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

const pgUniqueViolation = "23505"

func isPGUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// pgRunner is satisfied by *pgxpool.Pool and pgx.Tx.
type pgRunner interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgCreateAgent(ctx context.Context, q pgRunner, d market.AgentDraft) (int64, error) {
	caps, err := json.Marshal(nonNilStrings(d.Metadata.Capabilities))
	if err != nil {
		return 0, err
	}
	var id int64
	if err := q.QueryRow(ctx, `
		insert into agents (creator_id, title, description, agent_type, thumbnail_url, price, status, is_public)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning id
	`, d.CreatorID, d.Title, d.Description, d.Type, d.ThumbnailURL, d.Price, string(d.Status), d.IsPublic).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert agent: %w", err)
	}
	if _, err := q.Exec(ctx, `
		insert into agent_metadata (agent_id, base_model, parameters, capabilities, verification_mode)
		values ($1, $2, $3::jsonb, $4::jsonb, $5)
	`, id, d.Metadata.BaseModel, string(d.Metadata.Parameters), string(caps), d.Metadata.VerificationMode); err != nil {
		return 0, fmt.Errorf("insert agent metadata: %w", err)
	}
	return id, nil
}

func (p *Postgres) CreateAgent(ctx context.Context, d market.AgentDraft) (int64, error) {
	var id int64
	err := p.InTx(ctx, func(tx market.Tx) error {
		var err error
		id, err = tx.CreateAgent(ctx, d)
		return err
	})
	return id, err
}

const pgAgentColumns = `
	a.id, a.creator_id, a.title, a.description, a.agent_type, a.thumbnail_url, a.price, a.status, a.is_public,
	a.token_id, a.encrypted_uri, a.metadata_hash, a.tx_hash, a.cert::text, a.created_at, a.updated_at,
	coalesce(m.base_model, ''), coalesce(m.parameters, '{}'::jsonb)::text, coalesce(m.capabilities, '[]'::jsonb)::text,
	coalesce(m.verification_mode, '')
`

func scanPGAgent(row pgx.Row) (market.Agent, error) {
	var (
		a                                    market.Agent
		status, params, caps                 string
		tokenID, uri, hash, txHash, certJSON *string
	)
	if err := row.Scan(
		&a.ID, &a.CreatorID, &a.Title, &a.Description, &a.Type, &a.ThumbnailURL, &a.Price, &status, &a.IsPublic,
		&tokenID, &uri, &hash, &txHash, &certJSON, &a.CreatedAt, &a.UpdatedAt,
		&a.Metadata.BaseModel, &params, &caps, &a.Metadata.VerificationMode,
	); err != nil {
		return market.Agent{}, err
	}
	a.Status = market.AgentStatus(status)
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	a.Metadata.Parameters = json.RawMessage(params)
	if err := json.Unmarshal([]byte(caps), &a.Metadata.Capabilities); err != nil {
		return market.Agent{}, fmt.Errorf("decode capabilities: %w", err)
	}
	if tokenID != nil && *tokenID != "" {
		a.Publication = &market.Publication{
			TokenID:      *tokenID,
			EncryptedURI: deref(uri),
			MetadataHash: deref(hash),
			TxHash:       deref(txHash),
		}
		if certJSON != nil {
			a.Publication.Cert = json.RawMessage(*certJSON)
		}
	}
	return a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (p *Postgres) GetAgent(ctx context.Context, id int64) (market.Agent, error) {
	a, err := scanPGAgent(p.pool.QueryRow(ctx, `select `+pgAgentColumns+`
		from agents a left join agent_metadata m on m.agent_id = a.id
		where a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Agent{}, notFound("agent", id)
	}
	return a, err
}

func (p *Postgres) ListAgents(ctx context.Context, f market.ListFilter) ([]market.Agent, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.CreatorID > 0 {
		where = append(where, "a.creator_id = "+arg(f.CreatorID))
	}
	if f.Type != "" {
		where = append(where, "a.agent_type = "+arg(f.Type))
	}
	if f.Status != "" {
		where = append(where, "a.status = "+arg(f.Status))
	}
	q := `select ` + pgAgentColumns + ` from agents a left join agent_metadata m on m.agent_id = a.id`
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	q += " order by a.created_at desc, a.id desc"
	if f.Limit > 0 {
		q += " limit " + arg(f.Limit)
	}
	if f.Offset > 0 {
		q += " offset " + arg(f.Offset)
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Agent
	for rows.Next() {
		a, err := scanPGAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) SetPublication(ctx context.Context, agentID int64, pub market.Publication, status market.AgentStatus) error {
	var certJSON *string
	if len(pub.Cert) > 0 {
		c := string(pub.Cert)
		certJSON = &c
	}
	tag, err := p.pool.Exec(ctx, `
		update agents
		set token_id = $1, encrypted_uri = $2, metadata_hash = $3, tx_hash = nullif($4, ''), cert = $5::jsonb,
			status = $6, updated_at = now()
		where id = $7
	`, pub.TokenID, pub.EncryptedURI, pub.MetadataHash, pub.TxHash, certJSON, string(status), agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("agent", agentID)
	}
	return nil
}

const pgGrantColumns = `agent_id, user_id, usage_limit, usage_count, expires_at, created_at, updated_at`

func scanPGGrant(row pgx.Row) (market.Grant, error) {
	var g market.Grant
	if err := row.Scan(&g.AgentID, &g.UserID, &g.UsageLimit, &g.UsageCount, &g.ExpiresAt, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return market.Grant{}, err
	}
	g.ExpiresAt, g.CreatedAt, g.UpdatedAt = g.ExpiresAt.UTC(), g.CreatedAt.UTC(), g.UpdatedAt.UTC()
	return g, nil
}

func (p *Postgres) GetGrant(ctx context.Context, agentID, userID int64) (market.Grant, error) {
	g, err := scanPGGrant(p.pool.QueryRow(ctx,
		`select `+pgGrantColumns+` from agent_authorizations where agent_id = $1 and user_id = $2`, agentID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Grant{}, notFound("grant", grantKey{agentID, userID})
	}
	return g, err
}

func (p *Postgres) ListUserGrants(ctx context.Context, userID int64) ([]market.Grant, error) {
	rows, err := p.pool.Query(ctx,
		`select `+pgGrantColumns+` from agent_authorizations where user_id = $1 and usage_limit > 0 order by updated_at desc, agent_id desc`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Grant
	for rows.Next() {
		g, err := scanPGGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *Postgres) IncrementUsage(ctx context.Context, agentID, userID int64, now time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		update agent_authorizations set usage_count = usage_count + 1, updated_at = $3
		where agent_id = $1 and user_id = $2
	`, agentID, userID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ReserveUsage(ctx context.Context, agentID, userID int64, now time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		update agent_authorizations set usage_count = usage_count + 1, updated_at = $3
		where agent_id = $1 and user_id = $2 and expires_at > $3 and usage_count < usage_limit
	`, agentID, userID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ReleaseUsage(ctx context.Context, agentID, userID int64, now time.Time) error {
	_, err := p.pool.Exec(ctx, `
		update agent_authorizations set usage_count = greatest(usage_count - 1, 0), updated_at = $3
		where agent_id = $1 and user_id = $2
	`, agentID, userID, now)
	return err
}

func (p *Postgres) AppendInferenceLog(ctx context.Context, l market.InferenceLog) (int64, error) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := p.pool.QueryRow(ctx, `
		insert into inference_logs (agent_id, user_id, input, output, status, error, chat_id, processing_ms, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning id
	`, l.AgentID, l.UserID, l.Input, l.Output, l.Status, l.Error, l.ChatID, l.ProcessingMS, l.CreatedAt).Scan(&id)
	return id, err
}

func (p *Postgres) ListUnarchivedInferenceLogs(ctx context.Context, before time.Time, limit int) ([]market.InferenceLog, error) {
	q := `
		select id, agent_id, user_id, input, output, status, error, chat_id, processing_ms, created_at
		from inference_logs
		where archived_at is null and created_at < $1
		order by id`
	args := []any{before}
	if limit > 0 {
		q += " limit $2"
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.InferenceLog
	for rows.Next() {
		var l market.InferenceLog
		if err := rows.Scan(&l.ID, &l.AgentID, &l.UserID, &l.Input, &l.Output, &l.Status, &l.Error, &l.ChatID, &l.ProcessingMS, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.CreatedAt = l.CreatedAt.UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkInferenceLogsArchived(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `
		update inference_logs set archived_at = $1
		where archived_at is null and id = any($2)
	`, at, ids)
	return err
}

func (p *Postgres) ListTransactions(ctx context.Context, buyerID int64, limit, offset int) ([]market.Transaction, error) {
	q := `
		select id, buyer_id, seller_id, agent_id, price, status, tx_hash, created_at
		from transactions
		where buyer_id = $1
		order by created_at desc, id desc
		offset $2`
	args := []any{buyerID, offset}
	if limit > 0 {
		q += " limit $3"
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Transaction
	for rows.Next() {
		var t market.Transaction
		if err := rows.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.AgentID, &t.Price, &t.Status, &t.TxHash, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) ListCompositions(ctx context.Context, creatorID int64) ([]market.Composition, error) {
	rows, err := p.pool.Query(ctx, `
		select a.id, a.title, a.description, c.component_agent_id, c.role, c.position
		from agents a
		join agent_compositions c on c.composite_agent_id = a.id
		where a.creator_id = $1 and a.agent_type = $2
		order by a.id desc, c.position
	`, creatorID, market.TypeComposite)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scanned []compositionRow
	for rows.Next() {
		var r compositionRow
		if err := rows.Scan(&r.id, &r.title, &r.description, &r.comp.AgentID, &r.comp.Role, &r.comp.Position); err != nil {
			return nil, err
		}
		scanned = append(scanned, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groupCompositions(scanned), nil
}

func (p *Postgres) CreateUser(ctx context.Context, u market.User, keyHash string) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	if err := tx.QueryRow(ctx, `
		insert into users (email, wallet_address, display_name, bio, is_admin)
		values (nullif($1, ''), nullif($2, ''), $3, $4, $5)
		returning id
	`, u.Email, u.WalletAddress, u.DisplayName, u.Bio, u.IsAdmin).Scan(&id); err != nil {
		if isPGUnique(err) {
			return 0, conflict("user email", err)
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	if keyHash != "" {
		_, err := tx.Exec(ctx, `insert into user_api_keys (user_id, key_hash) values ($1, $2)`, id, keyHash)
		if isPGUnique(err) {
			return 0, conflict("api key", err)
		}
		if err != nil {
			return 0, fmt.Errorf("insert user key: %w", err)
		}
	}
	return id, tx.Commit(ctx)
}

const pgUserColumns = `u.id, u.email, u.wallet_address, u.display_name, u.bio, u.is_admin`

func scanPGUser(row pgx.Row) (market.User, error) {
	var (
		u             market.User
		email, wallet *string
	)
	if err := row.Scan(&u.ID, &email, &wallet, &u.DisplayName, &u.Bio, &u.IsAdmin); err != nil {
		return market.User{}, err
	}
	u.Email, u.WalletAddress = deref(email), deref(wallet)
	return u, nil
}

func (p *Postgres) GetUser(ctx context.Context, id int64) (market.User, error) {
	u, err := scanPGUser(p.pool.QueryRow(ctx, `select `+pgUserColumns+` from users u where u.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.User{}, notFound("user", id)
	}
	return u, err
}

// UpdateUser writes only the fields present in the patch.
func (p *Postgres) UpdateUser(ctx context.Context, id int64, patch market.UserPatch) (market.User, error) {
	var (
		sets []string
		args = []any{id}
	)
	set := func(format string, v *string) {
		if v == nil {
			return
		}
		args = append(args, *v)
		sets = append(sets, fmt.Sprintf(format, len(args)))
	}
	set("email = nullif($%d, '')", patch.Email)
	set("wallet_address = nullif($%d, '')", patch.WalletAddress)
	set("display_name = $%d", patch.DisplayName)
	set("bio = $%d", patch.Bio)
	if len(sets) == 0 {
		return p.GetUser(ctx, id)
	}

	u, err := scanPGUser(p.pool.QueryRow(ctx,
		`update users u set `+strings.Join(sets, ", ")+`, updated_at = now() where u.id = $1 returning `+pgUserColumns,
		args...))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return market.User{}, notFound("user", id)
	case isPGUnique(err):
		return market.User{}, conflict("user email", err)
	}
	return u, err
}

func (p *Postgres) UserByAPIKeyHash(ctx context.Context, keyHash string) (market.User, error) {
	u, err := scanPGUser(p.pool.QueryRow(ctx, `
		select `+pgUserColumns+`
		from user_api_keys k
		join users u on u.id = k.user_id
		where k.key_hash = $1 and k.revoked_at is null
	`, keyHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.User{}, notFound("api key", "")
	}
	return u, err
}

func (p *Postgres) InTx(ctx context.Context, fn func(tx market.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateAgent(ctx context.Context, d market.AgentDraft) (int64, error) {
	return pgCreateAgent(ctx, t.tx, d)
}

func (t *pgTx) AddComponent(ctx context.Context, compositeID int64, c market.CompositionComponent) error {
	_, err := t.tx.Exec(ctx, `
		insert into agent_compositions (composite_agent_id, component_agent_id, role, position)
		values ($1, $2, $3, $4)
	`, compositeID, c.AgentID, c.Role, c.Position)
	return err
}

// LockGrant makes sure a row exists for the pair, then takes its row lock.
// A freshly inserted placeholder (limit 0, expired at the epoch) is reported
// as absent; the caller either saves over it or rolls it back.
func (t *pgTx) LockGrant(ctx context.Context, agentID, userID int64) (market.Grant, bool, error) {
	tag, err := t.tx.Exec(ctx, `
		insert into agent_authorizations (agent_id, user_id, usage_limit, usage_count, expires_at)
		values ($1, $2, 0, 0, 'epoch')
		on conflict (agent_id, user_id) do nothing
	`, agentID, userID)
	if err != nil {
		return market.Grant{}, false, fmt.Errorf("insert placeholder grant: %w", err)
	}
	g, err := scanPGGrant(t.tx.QueryRow(ctx,
		`select `+pgGrantColumns+` from agent_authorizations where agent_id = $1 and user_id = $2 for update`, agentID, userID))
	if err != nil {
		return market.Grant{}, false, fmt.Errorf("lock grant: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return market.Grant{AgentID: agentID, UserID: userID}, false, nil
	}
	return g, true, nil
}

func (t *pgTx) SaveGrant(ctx context.Context, g market.Grant) error {
	_, err := t.tx.Exec(ctx, `
		update agent_authorizations
		set usage_limit = $3, usage_count = $4, expires_at = $5, created_at = $6, updated_at = $7
		where agent_id = $1 and user_id = $2
	`, g.AgentID, g.UserID, g.UsageLimit, g.UsageCount, g.ExpiresAt, g.CreatedAt, g.UpdatedAt)
	return err
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr market.Transaction) (int64, error) {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := t.tx.QueryRow(ctx, `
		insert into transactions (buyer_id, seller_id, agent_id, price, status, tx_hash, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning id
	`, tr.BuyerID, tr.SellerID, tr.AgentID, tr.Price, tr.Status, tr.TxHash, tr.CreatedAt).Scan(&id)
	return id, err
}
