package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"agentmarket/internal/inft"
)

// PublisherConfig wires the publication primitives. A nil Objects disables
// publication; a nil STS disables credential issuing.
type PublisherConfig struct {
	Objects            inft.ObjectStore
	STS                inft.STSAssumer
	Signer             inft.Signer
	EncryptionKey      string
	Bucket             string
	BasePrefix         string
	STSDurationSeconds int
}

// CertifiedAgent is the signed publication record. Its JSON form verifies
// with inft.Keyset.VerifyDocument.
type CertifiedAgent struct {
	AgentID      int64     `json:"agent_id"`
	TokenID      string    `json:"token_id"`
	EncryptedURI string    `json:"encrypted_uri"`
	MetadataHash string    `json:"metadata_hash"`
	Cert         inft.Cert `json:"cert"`
}

type certRecord struct {
	AgentID      int64  `json:"agent_id"`
	TokenID      string `json:"token_id"`
	EncryptedURI string `json:"encrypted_uri"`
	MetadataHash string `json:"metadata_hash"`
}

// metadataDocument is what gets encrypted and stored for a published agent.
type metadataDocument struct {
	Version      int             `json:"version"`
	AgentID      int64           `json:"agent_id"`
	CreatorID    int64           `json:"creator_id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Type         string          `json:"type"`
	Price        string          `json:"price"`
	BaseModel    string          `json:"base_model"`
	Parameters   json.RawMessage `json:"parameters"`
	Capabilities []string        `json:"capabilities"`
	Verification string          `json:"verification_mode"`
}

// Publisher mints agents: their metadata is encrypted into the object store
// and the resulting pointer is certified by the platform key.
type Publisher struct {
	registry *Registry
	ledger   *Ledger
	store    Store
	cfg      PublisherConfig
	opts     Options
	log      *slog.Logger
}

func NewPublisher(registry *Registry, ledger *Ledger, store Store, cfg PublisherConfig, opts Options) *Publisher {
	opts = opts.withDefaults()
	return &Publisher{
		registry: registry,
		ledger:   ledger,
		store:    store,
		cfg:      cfg,
		opts:     opts,
		log:      opts.Logger.With("component", "publisher"),
	}
}

func metadataKey(agentID int64) string {
	return fmt.Sprintf("agents/%d/metadata.enc", agentID)
}

func (p *Publisher) Publish(ctx context.Context, agentID, creatorID int64) (CertifiedAgent, error) {
	if creatorID <= 0 {
		return CertifiedAgent{}, ErrUnauthenticated
	}
	if p.cfg.Objects == nil {
		return CertifiedAgent{}, fmt.Errorf("%w: object store", ErrUnavailable)
	}
	agent, err := p.registry.Get(ctx, agentID)
	if err != nil {
		return CertifiedAgent{}, err
	}
	if agent.CreatorID != creatorID {
		return CertifiedAgent{}, ErrForbidden
	}

	canonical, err := inft.CanonicalJSON(metadataDocument{
		Version:      1,
		AgentID:      agent.ID,
		CreatorID:    agent.CreatorID,
		Title:        agent.Title,
		Description:  agent.Description,
		Type:         agent.Type,
		Price:        agent.Price,
		BaseModel:    agent.Metadata.BaseModel,
		Parameters:   agent.Metadata.Parameters,
		Capabilities: agent.Metadata.Capabilities,
		Verification: agent.Metadata.VerificationMode,
	})
	if err != nil {
		return CertifiedAgent{}, fmt.Errorf("canonicalize metadata: %w", err)
	}
	blob, err := inft.Encrypt(p.cfg.EncryptionKey, canonical)
	if errors.Is(err, inft.ErrMissingEncryptionKey) {
		return CertifiedAgent{}, fmt.Errorf("%w: encryption key", ErrUnavailable)
	}
	if err != nil {
		return CertifiedAgent{}, fmt.Errorf("encrypt metadata: %w", err)
	}

	key := metadataKey(agent.ID)
	if err := p.cfg.Objects.Put(ctx, key, "application/octet-stream", blob); err != nil {
		return CertifiedAgent{}, persistence("put metadata", err)
	}

	rec := certRecord{
		AgentID:      agent.ID,
		TokenID:      strconv.FormatInt(agent.ID, 10),
		EncryptedURI: p.cfg.Objects.URI(key),
		MetadataHash: inft.MetadataHash(canonical),
	}
	cert, err := p.cfg.Signer.Certify(rec, p.opts.Now())
	if err != nil {
		return CertifiedAgent{}, fmt.Errorf("%w: signing key: %w", ErrUnavailable, err)
	}
	certJSON, err := json.Marshal(cert)
	if err != nil {
		return CertifiedAgent{}, fmt.Errorf("marshal cert: %w", err)
	}

	pub := Publication{
		TokenID:      rec.TokenID,
		EncryptedURI: rec.EncryptedURI,
		MetadataHash: rec.MetadataHash,
		Cert:         certJSON,
	}
	if err := p.store.SetPublication(ctx, agent.ID, pub, StatusActive); err != nil {
		return CertifiedAgent{}, persistence("set publication", err)
	}

	p.log.InfoContext(ctx, "agent published",
		"agent_id", agent.ID,
		"metadata_hash", rec.MetadataHash,
		"encrypted_uri", rec.EncryptedURI,
	)
	return CertifiedAgent{
		AgentID:      rec.AgentID,
		TokenID:      rec.TokenID,
		EncryptedURI: rec.EncryptedURI,
		MetadataHash: rec.MetadataHash,
		Cert:         cert,
	}, nil
}

// Metadata decrypts the published metadata for the creator or a holder of a
// usable grant.
func (p *Publisher) Metadata(ctx context.Context, agentID, userID int64) (json.RawMessage, error) {
	agent, err := p.readable(ctx, agentID, userID)
	if err != nil {
		return nil, err
	}
	if p.cfg.Objects == nil {
		return nil, fmt.Errorf("%w: object store", ErrUnavailable)
	}
	blob, err := p.cfg.Objects.Get(ctx, metadataKey(agent.ID))
	if errors.Is(err, inft.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: metadata object of agent %d is missing", ErrInvariant, agent.ID)
	}
	if err != nil {
		return nil, persistence("get metadata", err)
	}
	plain, err := inft.Decrypt(p.cfg.EncryptionKey, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt metadata of agent %d: %w", ErrInvariant, agent.ID, err)
	}
	if got := inft.MetadataHash(plain); got != agent.Publication.MetadataHash {
		return nil, fmt.Errorf("%w: metadata hash mismatch for agent %d", ErrInvariant, agent.ID)
	}
	return json.RawMessage(plain), nil
}

// ReadCredentials issues short-lived object store credentials limited to the
// agent's prefix.
func (p *Publisher) ReadCredentials(ctx context.Context, agentID, userID int64) (inft.Credentials, error) {
	agent, err := p.readable(ctx, agentID, userID)
	if err != nil {
		return inft.Credentials{}, err
	}
	if p.cfg.STS == nil {
		return inft.Credentials{}, fmt.Errorf("%w: sts", ErrUnavailable)
	}
	prefix := inft.JoinKey(p.cfg.BasePrefix, fmt.Sprintf("agents/%d/", agent.ID))
	policy, err := inft.BuildReadPolicy(p.cfg.Bucket, []string{prefix})
	if err != nil {
		return inft.Credentials{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	creds, err := p.cfg.STS.AssumeRole(ctx, fmt.Sprintf("agent-%d-user-%d", agent.ID, userID), policy, p.cfg.STSDurationSeconds)
	if err != nil {
		return inft.Credentials{}, fmt.Errorf("assume role: %w", err)
	}
	creds.Prefixes = []string{prefix}
	return creds, nil
}

func (p *Publisher) readable(ctx context.Context, agentID, userID int64) (Agent, error) {
	if userID <= 0 {
		return Agent{}, ErrUnauthenticated
	}
	agent, err := p.registry.Get(ctx, agentID)
	if err != nil {
		return Agent{}, err
	}
	if agent.CreatorID != userID {
		ok, err := p.ledger.IsAuthorized(ctx, agent.ID, userID)
		if err != nil {
			return Agent{}, err
		}
		if !ok {
			return Agent{}, ErrForbidden
		}
	}
	if agent.Publication == nil {
		return Agent{}, fmt.Errorf("%w: agent %d is not published", ErrNotFound, agent.ID)
	}
	return agent, nil
}
