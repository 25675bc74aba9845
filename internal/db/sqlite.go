package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentmarket/internal/market"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Pragmas go through the DSN so every pooled connection gets them.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
	"busy_timeout(5000)",
}

// Timestamps are stored as unix microseconds so range predicates compare
// integers.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT UNIQUE,
	wallet_address TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	bio TEXT NOT NULL DEFAULT '',
	is_admin INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS user_api_keys (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id),
	key_hash TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL,
	revoked_at INTEGER
);
CREATE TABLE IF NOT EXISTS agents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	creator_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	thumbnail_url TEXT NOT NULL DEFAULT '',
	price TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'inactive',
	is_public INTEGER NOT NULL DEFAULT 1,
	token_id TEXT,
	encrypted_uri TEXT,
	metadata_hash TEXT,
	tx_hash TEXT,
	cert TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_metadata (
	agent_id INTEGER PRIMARY KEY REFERENCES agents(id),
	base_model TEXT NOT NULL,
	parameters TEXT NOT NULL DEFAULT '{}',
	capabilities TEXT NOT NULL DEFAULT '[]',
	verification_mode TEXT NOT NULL DEFAULT 'none'
);
CREATE TABLE IF NOT EXISTS agent_authorizations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id INTEGER NOT NULL REFERENCES agents(id),
	user_id INTEGER NOT NULL,
	usage_limit INTEGER NOT NULL DEFAULT 100,
	usage_count INTEGER NOT NULL DEFAULT 0 CHECK (usage_count >= 0),
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (agent_id, user_id)
);
CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	buyer_id INTEGER NOT NULL,
	seller_id INTEGER NOT NULL,
	agent_id INTEGER NOT NULL REFERENCES agents(id),
	price TEXT NOT NULL,
	status TEXT NOT NULL,
	tx_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS inference_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	input TEXT NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	chat_id TEXT NOT NULL DEFAULT '',
	processing_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	archived_at INTEGER
);
CREATE TABLE IF NOT EXISTS agent_compositions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	composite_agent_id INTEGER NOT NULL REFERENCES agents(id),
	component_agent_id INTEGER NOT NULL REFERENCES agents(id),
	role TEXT NOT NULL DEFAULT 'component',
	position INTEGER NOT NULL DEFAULT 0,
	UNIQUE (composite_agent_id, component_agent_id)
);
CREATE INDEX IF NOT EXISTS agents_created_idx ON agents (created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS transactions_buyer_idx ON transactions (buyer_id, created_at DESC);
`

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

// SQLite is a market.Store on database/sql with the pure-Go modernc driver.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	params := make([]string, 0, len(sqlitePragmas)+1)
	for _, pragma := range sqlitePragmas {
		params = append(params, "_pragma="+pragma)
	}
	if !strings.Contains(path, "_txlock=") {
		// Writers take the lock at BEGIN so grant locking cannot deadlock.
		params = append(params, "_txlock=immediate")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	database, err := sql.Open("sqlite", path+sep+strings.Join(params, "&"))
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	database.SetMaxOpenConns(4)
	database.SetMaxIdleConns(4)
	database.SetConnMaxIdleTime(30 * time.Minute)

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	s := NewSQLite(database)
	if err := s.Migrate(ctx); err != nil {
		_ = database.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an open handle without touching the schema.
func NewSQLite(database *sql.DB) *SQLite {
	return &SQLite{db: database, now: time.Now}
}

func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLite) Close() { _ = s.db.Close() }

// sqlRunner is satisfied by *sql.DB and *sql.Tx.
type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteCreateAgent(ctx context.Context, q sqlRunner, d market.AgentDraft, now time.Time) (int64, error) {
	caps, err := json.Marshal(nonNilStrings(d.Metadata.Capabilities))
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO agents (creator_id, title, description, agent_type, thumbnail_url, price, status, is_public, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.CreatorID, d.Title, d.Description, d.Type, d.ThumbnailURL, d.Price, string(d.Status), d.IsPublic, micros(now), micros(now))
	if err != nil {
		return 0, fmt.Errorf("insert agent: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO agent_metadata (agent_id, base_model, parameters, capabilities, verification_mode)
		VALUES (?, ?, ?, ?, ?)
	`, id, d.Metadata.BaseModel, string(d.Metadata.Parameters), string(caps), d.Metadata.VerificationMode); err != nil {
		return 0, fmt.Errorf("insert agent metadata: %w", err)
	}
	return id, nil
}

func (s *SQLite) CreateAgent(ctx context.Context, d market.AgentDraft) (int64, error) {
	var id int64
	err := s.InTx(ctx, func(tx market.Tx) error {
		var err error
		id, err = tx.CreateAgent(ctx, d)
		return err
	})
	return id, err
}

const sqliteAgentColumns = `
	a.id, a.creator_id, a.title, a.description, a.agent_type, a.thumbnail_url, a.price, a.status, a.is_public,
	a.token_id, a.encrypted_uri, a.metadata_hash, a.tx_hash, a.cert, a.created_at, a.updated_at,
	coalesce(m.base_model, ''), coalesce(m.parameters, '{}'), coalesce(m.capabilities, '[]'), coalesce(m.verification_mode, '')
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAgent(row rowScanner) (market.Agent, error) {
	var (
		a                                    market.Agent
		status, params, caps                 string
		tokenID, uri, hash, txHash, certJSON sql.NullString
		created, updated                     int64
	)
	if err := row.Scan(
		&a.ID, &a.CreatorID, &a.Title, &a.Description, &a.Type, &a.ThumbnailURL, &a.Price, &status, &a.IsPublic,
		&tokenID, &uri, &hash, &txHash, &certJSON, &created, &updated,
		&a.Metadata.BaseModel, &params, &caps, &a.Metadata.VerificationMode,
	); err != nil {
		return market.Agent{}, err
	}
	a.Status = market.AgentStatus(status)
	a.CreatedAt, a.UpdatedAt = fromMicros(created), fromMicros(updated)
	a.Metadata.Parameters = json.RawMessage(params)
	if err := json.Unmarshal([]byte(caps), &a.Metadata.Capabilities); err != nil {
		return market.Agent{}, fmt.Errorf("decode capabilities: %w", err)
	}
	a.Publication = publicationFrom(tokenID, uri, hash, txHash, certJSON)
	return a, nil
}

func publicationFrom(tokenID, uri, hash, txHash, certJSON sql.NullString) *market.Publication {
	if !tokenID.Valid || tokenID.String == "" {
		return nil
	}
	p := &market.Publication{
		TokenID:      tokenID.String,
		EncryptedURI: uri.String,
		MetadataHash: hash.String,
		TxHash:       txHash.String,
	}
	if certJSON.Valid && certJSON.String != "" {
		p.Cert = json.RawMessage(certJSON.String)
	}
	return p
}

func (s *SQLite) GetAgent(ctx context.Context, id int64) (market.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAgentColumns+`
		FROM agents a LEFT JOIN agent_metadata m ON m.agent_id = a.id
		WHERE a.id = ?`, id)
	a, err := scanSQLiteAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Agent{}, notFound("agent", id)
	}
	return a, err
}

func (s *SQLite) ListAgents(ctx context.Context, f market.ListFilter) ([]market.Agent, error) {
	var (
		where []string
		args  []any
	)
	if f.CreatorID > 0 {
		where = append(where, "a.creator_id = ?")
		args = append(args, f.CreatorID)
	}
	if f.Type != "" {
		where = append(where, "a.agent_type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		where = append(where, "a.status = ?")
		args = append(args, f.Status)
	}
	q := `SELECT ` + sqliteAgentColumns + ` FROM agents a LEFT JOIN agent_metadata m ON m.agent_id = a.id`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY a.created_at DESC, a.id DESC"
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		q += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []market.Agent
	for rows.Next() {
		a, err := scanSQLiteAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) SetPublication(ctx context.Context, agentID int64, p market.Publication, status market.AgentStatus) error {
	var certJSON any
	if len(p.Cert) > 0 {
		certJSON = string(p.Cert)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET token_id = ?, encrypted_uri = ?, metadata_hash = ?, tx_hash = ?, cert = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, p.TokenID, p.EncryptedURI, p.MetadataHash, nullIfEmpty(p.TxHash), certJSON, string(status), micros(s.now()), agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("agent", agentID)
	}
	return nil
}

const sqliteGrantColumns = `agent_id, user_id, usage_limit, usage_count, expires_at, created_at, updated_at`

func scanSQLiteGrant(row rowScanner) (market.Grant, error) {
	var (
		g                         market.Grant
		expires, created, updated int64
	)
	if err := row.Scan(&g.AgentID, &g.UserID, &g.UsageLimit, &g.UsageCount, &expires, &created, &updated); err != nil {
		return market.Grant{}, err
	}
	g.ExpiresAt, g.CreatedAt, g.UpdatedAt = fromMicros(expires), fromMicros(created), fromMicros(updated)
	return g, nil
}

func (s *SQLite) GetGrant(ctx context.Context, agentID, userID int64) (market.Grant, error) {
	g, err := scanSQLiteGrant(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteGrantColumns+` FROM agent_authorizations WHERE agent_id = ? AND user_id = ?`, agentID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return market.Grant{}, notFound("grant", grantKey{agentID, userID})
	}
	return g, err
}

func (s *SQLite) ListUserGrants(ctx context.Context, userID int64) ([]market.Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteGrantColumns+` FROM agent_authorizations WHERE user_id = ? AND usage_limit > 0 ORDER BY updated_at DESC, agent_id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []market.Grant
	for rows.Next() {
		g, err := scanSQLiteGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) IncrementUsage(ctx context.Context, agentID, userID int64, now time.Time) (bool, error) {
	return affectedOne(s.db.ExecContext(ctx, `
		UPDATE agent_authorizations SET usage_count = usage_count + 1, updated_at = ?
		WHERE agent_id = ? AND user_id = ?
	`, micros(now), agentID, userID))
}

func (s *SQLite) ReserveUsage(ctx context.Context, agentID, userID int64, now time.Time) (bool, error) {
	return affectedOne(s.db.ExecContext(ctx, `
		UPDATE agent_authorizations SET usage_count = usage_count + 1, updated_at = ?
		WHERE agent_id = ? AND user_id = ? AND expires_at > ? AND usage_count < usage_limit
	`, micros(now), agentID, userID, micros(now)))
}

func (s *SQLite) ReleaseUsage(ctx context.Context, agentID, userID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_authorizations SET usage_count = max(usage_count - 1, 0), updated_at = ?
		WHERE agent_id = ? AND user_id = ?
	`, micros(now), agentID, userID)
	return err
}

func (s *SQLite) AppendInferenceLog(ctx context.Context, l market.InferenceLog) (int64, error) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inference_logs (agent_id, user_id, input, output, status, error, chat_id, processing_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.AgentID, l.UserID, l.Input, l.Output, l.Status, l.Error, l.ChatID, l.ProcessingMS, micros(l.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLite) ListUnarchivedInferenceLogs(ctx context.Context, before time.Time, limit int) ([]market.InferenceLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, user_id, input, output, status, error, chat_id, processing_ms, created_at
		FROM inference_logs
		WHERE archived_at IS NULL AND created_at < ?
		ORDER BY id
		LIMIT ?
	`, micros(before), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []market.InferenceLog
	for rows.Next() {
		var (
			l       market.InferenceLog
			created int64
		)
		if err := rows.Scan(&l.ID, &l.AgentID, &l.UserID, &l.Input, &l.Output, &l.Status, &l.Error, &l.ChatID, &l.ProcessingMS, &created); err != nil {
			return nil, err
		}
		l.CreatedAt = fromMicros(created)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkInferenceLogsArchived(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, micros(at))
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx,
		`UPDATE inference_logs SET archived_at = ? WHERE archived_at IS NULL AND id IN (`+placeholders+`)`, args...)
	return err
}

func (s *SQLite) ListTransactions(ctx context.Context, buyerID int64, limit, offset int) ([]market.Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, buyer_id, seller_id, agent_id, price, status, tx_hash, created_at
		FROM transactions
		WHERE buyer_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, buyerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []market.Transaction
	for rows.Next() {
		var (
			t       market.Transaction
			created int64
		)
		if err := rows.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.AgentID, &t.Price, &t.Status, &t.TxHash, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = fromMicros(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) ListCompositions(ctx context.Context, creatorID int64) ([]market.Composition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.title, a.description, c.component_agent_id, c.role, c.position
		FROM agents a
		JOIN agent_compositions c ON c.composite_agent_id = a.id
		WHERE a.creator_id = ? AND a.agent_type = ?
		ORDER BY a.id DESC, c.position
	`, creatorID, market.TypeComposite)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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

type compositionRow struct {
	id                 int64
	title, description string
	comp               market.CompositionComponent
}

// groupCompositions folds join rows ordered by composite id.
func groupCompositions(rows []compositionRow) []market.Composition {
	var out []market.Composition
	for _, r := range rows {
		if len(out) == 0 || out[len(out)-1].ID != r.id {
			out = append(out, market.Composition{ID: r.id, Title: r.title, Description: r.description, Components: []market.CompositionComponent{}})
		}
		last := &out[len(out)-1]
		last.Components = append(last.Components, r.comp)
	}
	return out
}

func (s *SQLite) CreateUser(ctx context.Context, u market.User, keyHash string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := micros(s.now())
	res, err := tx.ExecContext(ctx, `
		INSERT INTO users (email, wallet_address, display_name, bio, is_admin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, nullIfEmpty(u.Email), u.WalletAddress, u.DisplayName, u.Bio, u.IsAdmin, now, now)
	if isSQLiteUnique(err) {
		return 0, conflict("user email", err)
	}
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if keyHash != "" {
		_, err := tx.ExecContext(ctx, `INSERT INTO user_api_keys (user_id, key_hash, created_at) VALUES (?, ?, ?)`, id, keyHash, now)
		if isSQLiteUnique(err) {
			return 0, conflict("api key", err)
		}
		if err != nil {
			return 0, fmt.Errorf("insert user key: %w", err)
		}
	}
	return id, tx.Commit()
}

const sqliteUserColumns = `u.id, u.email, u.wallet_address, u.display_name, u.bio, u.is_admin`

func scanSQLiteUser(row rowScanner) (market.User, error) {
	var (
		u     market.User
		email sql.NullString
	)
	if err := row.Scan(&u.ID, &email, &u.WalletAddress, &u.DisplayName, &u.Bio, &u.IsAdmin); err != nil {
		return market.User{}, err
	}
	u.Email = email.String
	return u, nil
}

func (s *SQLite) GetUser(ctx context.Context, id int64) (market.User, error) {
	u, err := scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users u WHERE u.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return market.User{}, notFound("user", id)
	}
	return u, err
}

func (s *SQLite) UpdateUser(ctx context.Context, id int64, p market.UserPatch) (market.User, error) {
	var (
		sets []string
		args []any
	)
	set := func(col string, v *string, nullable bool) {
		if v == nil {
			return
		}
		sets = append(sets, col+" = ?")
		if nullable {
			args = append(args, nullIfEmpty(*v))
			return
		}
		args = append(args, *v)
	}
	set("email", p.Email, true)
	set("wallet_address", p.WalletAddress, false)
	set("display_name", p.DisplayName, false)
	set("bio", p.Bio, false)
	if len(sets) == 0 {
		return s.GetUser(ctx, id)
	}
	args = append(args, micros(s.now()), id)

	res, err := s.db.ExecContext(ctx, `UPDATE users SET `+strings.Join(sets, ", ")+`, updated_at = ? WHERE id = ?`, args...)
	if isSQLiteUnique(err) {
		return market.User{}, conflict("user email", err)
	}
	ok, err := affectedOne(res, err)
	if err != nil {
		return market.User{}, err
	}
	if !ok {
		return market.User{}, notFound("user", id)
	}
	return s.GetUser(ctx, id)
}

func (s *SQLite) UserByAPIKeyHash(ctx context.Context, keyHash string) (market.User, error) {
	u, err := scanSQLiteUser(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteUserColumns+`
		FROM user_api_keys k
		JOIN users u ON u.id = k.user_id
		WHERE k.key_hash = ? AND k.revoked_at IS NULL
	`, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return market.User{}, notFound("api key", "")
	}
	return u, err
}

func (s *SQLite) InTx(ctx context.Context, fn func(tx market.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&sqliteTx{tx: tx, now: s.now}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sqliteTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *sqliteTx) CreateAgent(ctx context.Context, d market.AgentDraft) (int64, error) {
	return sqliteCreateAgent(ctx, t.tx, d, t.now())
}

func (t *sqliteTx) AddComponent(ctx context.Context, compositeID int64, c market.CompositionComponent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO agent_compositions (composite_agent_id, component_agent_id, role, position)
		VALUES (?, ?, ?, ?)
	`, compositeID, c.AgentID, c.Role, c.Position)
	return err
}

// LockGrant inserts a placeholder row when none exists. The placeholder has
// a zero limit and an expiry in the past, so it is never usable and the
// caller overwrites it with SaveGrant or the unit of work rolls it back.
func (t *sqliteTx) LockGrant(ctx context.Context, agentID, userID int64) (market.Grant, bool, error) {
	now := micros(t.now())
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO agent_authorizations (agent_id, user_id, usage_limit, usage_count, expires_at, created_at, updated_at)
		VALUES (?, ?, 0, 0, 0, ?, ?)
		ON CONFLICT (agent_id, user_id) DO NOTHING
	`, agentID, userID, now, now)
	if err != nil {
		return market.Grant{}, false, fmt.Errorf("insert placeholder grant: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return market.Grant{}, false, err
	}
	if inserted == 1 {
		return market.Grant{AgentID: agentID, UserID: userID}, false, nil
	}
	g, err := scanSQLiteGrant(t.tx.QueryRowContext(ctx,
		`SELECT `+sqliteGrantColumns+` FROM agent_authorizations WHERE agent_id = ? AND user_id = ?`, agentID, userID))
	if err != nil {
		return market.Grant{}, false, fmt.Errorf("select grant: %w", err)
	}
	return g, true, nil
}

func (t *sqliteTx) SaveGrant(ctx context.Context, g market.Grant) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE agent_authorizations
		SET usage_limit = ?, usage_count = ?, expires_at = ?, created_at = ?, updated_at = ?
		WHERE agent_id = ? AND user_id = ?
	`, g.UsageLimit, g.UsageCount, micros(g.ExpiresAt), micros(g.CreatedAt), micros(g.UpdatedAt), g.AgentID, g.UserID)
	return err
}

func (t *sqliteTx) InsertTransaction(ctx context.Context, tr market.Transaction) (int64, error) {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = t.now()
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (buyer_id, seller_id, agent_id, price, status, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, tr.BuyerID, tr.SellerID, tr.AgentID, tr.Price, tr.Status, tr.TxHash, micros(tr.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
