package market

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var txHashRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

type PurchaseRequest struct {
	AgentID int64
	BuyerID int64
	// TxHash is the on-chain payment reference, when the client paid on chain.
	TxHash string
}

type PurchaseResult struct {
	AlreadyAuthorized bool
	TransactionID     int64
	TxHash            string
	Grant             Grant
}

// PurchaseFlow records a purchase and grants usage as one unit of work.
type PurchaseFlow struct {
	registry *Registry
	ledger   *Ledger
	store    Store
	opts     Options
	log      *slog.Logger
	metrics  instruments
}

func NewPurchaseFlow(registry *Registry, ledger *Ledger, store Store, opts Options) *PurchaseFlow {
	opts = opts.withDefaults()
	return &PurchaseFlow{
		registry: registry,
		ledger:   ledger,
		store:    store,
		opts:     opts,
		log:      opts.Logger.With("component", "purchase"),
		metrics:  newInstruments(),
	}
}

func (p *PurchaseFlow) Purchase(ctx context.Context, req PurchaseRequest) (res PurchaseResult, err error) {
	ctx, span := startSpan(ctx, "market.Purchase", req.AgentID, req.BuyerID)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if req.BuyerID <= 0 {
		return PurchaseResult{}, ErrUnauthenticated
	}
	req.TxHash = strings.TrimSpace(req.TxHash)
	if req.TxHash != "" && !txHashRe.MatchString(req.TxHash) {
		return PurchaseResult{}, invalid("txHash", "must be a 0x-prefixed 32-byte hex string")
	}

	agent, err := p.registry.Get(ctx, req.AgentID)
	if err != nil {
		return PurchaseResult{}, err
	}

	err = p.store.InTx(ctx, func(tx Tx) error {
		g, exists, err := tx.LockGrant(ctx, agent.ID, req.BuyerID)
		if err != nil {
			return fmt.Errorf("lock grant: %w", err)
		}
		if exists && g.Usable(p.opts.Now()) {
			res = PurchaseResult{AlreadyAuthorized: true, Grant: g}
			return nil
		}

		txHash := req.TxHash
		if txHash == "" {
			txHash = simulatedTxHash(p.opts.Now().UnixMilli())
		}
		txID, err := tx.InsertTransaction(ctx, Transaction{
			BuyerID:   req.BuyerID,
			SellerID:  agent.CreatorID,
			AgentID:   agent.ID,
			Price:     agent.Price,
			Status:    TransactionCompleted,
			TxHash:    txHash,
			CreatedAt: p.opts.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		g.AgentID, g.UserID = agent.ID, req.BuyerID
		granted, err := p.ledger.refreshTx(ctx, tx, g, exists, 0)
		if err != nil {
			return fmt.Errorf("save grant: %w", err)
		}
		res = PurchaseResult{TransactionID: txID, TxHash: txHash, Grant: granted}
		return nil
	})
	if err != nil {
		return PurchaseResult{}, persistence("purchase", err)
	}

	span.SetAttributes(attribute.Bool("purchase.already_authorized", res.AlreadyAuthorized))
	if res.AlreadyAuthorized {
		return res, nil
	}
	p.metrics.add(ctx, p.metrics.purchases, attribute.String("agent.type", agent.Type))
	p.log.InfoContext(ctx, "agent purchased",
		"agent_id", agent.ID,
		"buyer_id", req.BuyerID,
		"transaction_id", res.TransactionID,
		"tx_hash", res.TxHash,
	)
	return res, nil
}

// Transactions lists the purchases made by buyerID, newest first.
func (p *PurchaseFlow) Transactions(ctx context.Context, buyerID int64, limit, offset int) ([]Transaction, error) {
	if offset < 0 {
		offset = 0
	}
	txs, err := p.store.ListTransactions(ctx, buyerID, clampLimit(limit), offset)
	if err != nil {
		return nil, persistence("list transactions", err)
	}
	if txs == nil {
		txs = []Transaction{}
	}
	return txs, nil
}

func simulatedTxHash(millis int64) string {
	return "simulated-" + strconv.FormatInt(millis, 16) + "-" + uuid.NewString()[:8]
}
