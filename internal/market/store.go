package market

import (
	"context"
	"time"
)

// Store is the durable state behind every market operation. Implementations
// return ErrNotFound (possibly wrapped) for absent rows.
type Store interface {
	CreateAgent(ctx context.Context, d AgentDraft) (int64, error)
	GetAgent(ctx context.Context, id int64) (Agent, error)
	// ListAgents treats f.Limit <= 0 as unbounded.
	ListAgents(ctx context.Context, f ListFilter) ([]Agent, error)
	SetPublication(ctx context.Context, agentID int64, p Publication, status AgentStatus) error

	GetGrant(ctx context.Context, agentID, userID int64) (Grant, error)
	ListUserGrants(ctx context.Context, userID int64) ([]Grant, error)
	// IncrementUsage bumps the counter of an existing grant. It reports false
	// when no grant exists for the pair.
	IncrementUsage(ctx context.Context, agentID, userID int64, now time.Time) (bool, error)
	// ReserveUsage bumps the counter only if the grant is still usable at now.
	ReserveUsage(ctx context.Context, agentID, userID int64, now time.Time) (bool, error)
	// ReleaseUsage undoes one reservation, never going below zero.
	ReleaseUsage(ctx context.Context, agentID, userID int64, now time.Time) error

	AppendInferenceLog(ctx context.Context, l InferenceLog) (int64, error)
	// ListUnarchivedInferenceLogs returns logs created before the cutoff, in
	// ascending id order.
	ListUnarchivedInferenceLogs(ctx context.Context, before time.Time, limit int) ([]InferenceLog, error)
	MarkInferenceLogsArchived(ctx context.Context, ids []int64, at time.Time) error

	ListTransactions(ctx context.Context, buyerID int64, limit, offset int) ([]Transaction, error)
	ListCompositions(ctx context.Context, creatorID int64) ([]Composition, error)

	CreateUser(ctx context.Context, u User, keyHash string) (int64, error)
	GetUser(ctx context.Context, id int64) (User, error)
	// UpdateUser applies the patch and returns the stored user. A taken email
	// yields ErrConflict.
	UpdateUser(ctx context.Context, id int64, p UserPatch) (User, error)
	UserByAPIKeyHash(ctx context.Context, keyHash string) (User, error)

	// InTx runs fn inside one atomic unit of work. A non-nil error from fn
	// rolls back every write made through tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write surface available inside Store.InTx.
type Tx interface {
	CreateAgent(ctx context.Context, d AgentDraft) (int64, error)
	AddComponent(ctx context.Context, compositeID int64, c CompositionComponent) error

	// LockGrant serializes writers on the (agent, user) pair for the rest of
	// the unit of work. exists is false when no grant was stored yet; the
	// returned Grant is then zero apart from its key.
	LockGrant(ctx context.Context, agentID, userID int64) (g Grant, exists bool, err error)
	SaveGrant(ctx context.Context, g Grant) error
	InsertTransaction(ctx context.Context, t Transaction) (int64, error)
}
