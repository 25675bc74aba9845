package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Ledger tracks usage grants. A grant is usable iff it has not expired and
// its usage count is below its limit; both conditions must hold.
type Ledger struct {
	store Store
	opts  Options
	log   *slog.Logger
}

func NewLedger(store Store, opts Options) *Ledger {
	opts = opts.withDefaults()
	return &Ledger{
		store: store,
		opts:  opts,
		log:   opts.Logger.With("component", "ledger"),
	}
}

// IsAuthorized reports whether userID may invoke agentID right now. A
// missing grant is not an error.
func (l *Ledger) IsAuthorized(ctx context.Context, agentID, userID int64) (bool, error) {
	if agentID <= 0 || userID <= 0 {
		return false, nil
	}
	g, err := l.store.GetGrant(ctx, agentID, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, persistence("get grant", err)
	}
	return g.Usable(l.opts.Now()), nil
}

// Lookup returns the stored grant for the pair.
func (l *Ledger) Lookup(ctx context.Context, agentID, userID int64) (Grant, error) {
	if agentID <= 0 || userID <= 0 {
		return Grant{}, ErrNotFound
	}
	g, err := l.store.GetGrant(ctx, agentID, userID)
	if err != nil {
		return Grant{}, persistence("get grant", err)
	}
	return g, nil
}

// GrantStatus is a grant evaluated at the ledger clock.
type GrantStatus struct {
	Grant
	Usable    bool `json:"usable"`
	Remaining int  `json:"remaining"`
}

// Status reports the pair's grant with its remaining uses. Remaining is zero
// once the grant is expired or exhausted.
func (l *Ledger) Status(ctx context.Context, agentID, userID int64) (GrantStatus, error) {
	g, err := l.Lookup(ctx, agentID, userID)
	if err != nil {
		return GrantStatus{}, err
	}
	st := GrantStatus{Grant: g, Usable: g.Usable(l.opts.Now())}
	if st.Usable {
		st.Remaining = g.UsageLimit - g.UsageCount
	}
	return st, nil
}

// Grant creates or refreshes the grant for the pair. usageLimit <= 0 keeps
// the existing limit, or the default for a new grant.
func (l *Ledger) Grant(ctx context.Context, agentID, userID int64, usageLimit int) error {
	err := l.store.InTx(ctx, func(tx Tx) error {
		_, err := l.grantTx(ctx, tx, agentID, userID, usageLimit)
		return err
	})
	return persistence("grant", err)
}

func (l *Ledger) grantTx(ctx context.Context, tx Tx, agentID, userID int64, usageLimit int) (Grant, error) {
	g, exists, err := tx.LockGrant(ctx, agentID, userID)
	if err != nil {
		return Grant{}, err
	}
	return l.refreshTx(ctx, tx, g, exists, usageLimit)
}

// refreshTx writes a grant already locked by tx.
func (l *Ledger) refreshTx(ctx context.Context, tx Tx, g Grant, exists bool, usageLimit int) (Grant, error) {
	now := l.opts.Now().UTC()
	switch {
	case usageLimit > 0:
		g.UsageLimit = usageLimit
	case !exists || g.UsageLimit <= 0:
		g.UsageLimit = l.opts.DefaultUsageLimit
	}
	g.UsageCount = 0
	g.ExpiresAt = now.Add(l.opts.GrantTTL)
	if !exists || g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	if err := tx.SaveGrant(ctx, g); err != nil {
		return Grant{}, err
	}
	return g, nil
}

// IncrementUsage adds one use to an existing grant. Counting usage for a
// pair without a grant means a caller skipped the authorization check, so
// it fails with ErrInvariant instead of reporting false.
func (l *Ledger) IncrementUsage(ctx context.Context, agentID, userID int64) (bool, error) {
	ok, err := l.store.IncrementUsage(ctx, agentID, userID, l.opts.Now().UTC())
	if err != nil {
		return false, persistence("increment usage", err)
	}
	if !ok {
		l.log.ErrorContext(ctx, "usage increment without grant", "agent_id", agentID, "user_id", userID)
		return false, fmt.Errorf("%w: usage increment without grant for agent %d user %d", ErrInvariant, agentID, userID)
	}
	return true, nil
}

// Reserve consumes one use only if the grant is usable at this instant.
func (l *Ledger) Reserve(ctx context.Context, agentID, userID int64) (bool, error) {
	ok, err := l.store.ReserveUsage(ctx, agentID, userID, l.opts.Now().UTC())
	if err != nil {
		return false, persistence("reserve usage", err)
	}
	return ok, nil
}

// Release returns a use taken by Reserve.
func (l *Ledger) Release(ctx context.Context, agentID, userID int64) error {
	return persistence("release usage", l.store.ReleaseUsage(ctx, agentID, userID, l.opts.Now().UTC()))
}
