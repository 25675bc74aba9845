package market

import (
	"encoding/json"
	"time"

	"agentmarket/internal/provider"
)

type AgentStatus string

const (
	StatusActive   AgentStatus = "active"
	StatusInactive AgentStatus = "inactive"
	StatusEvolving AgentStatus = "evolving"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusEvolving:
		return true
	default:
		return false
	}
}

const (
	DefaultBaseModel        = "gpt-3.5-turbo"
	DefaultVerificationMode = "none"

	TypeComposite = "composite"
)

var verificationModes = map[string]struct{}{
	"none":     {},
	"basic":    {},
	"advanced": {},
	"TEE":      {},
	"ZKP":      {},
}

// AgentMetadata is the model description joined onto every agent read.
type AgentMetadata struct {
	BaseModel        string          `json:"baseModel"`
	Parameters       json.RawMessage `json:"parameters"`
	Capabilities     []string        `json:"capabilities"`
	VerificationMode string          `json:"verificationMode"`
}

type Agent struct {
	ID           int64         `json:"id"`
	CreatorID    int64         `json:"creatorId"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Type         string        `json:"type"`
	ThumbnailURL string        `json:"thumbnailUrl"`
	Price        string        `json:"price"`
	Status       AgentStatus   `json:"status"`
	IsPublic     bool          `json:"isPublic"`
	Metadata     AgentMetadata `json:"metadata"`

	Publication *Publication `json:"publication,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Publication holds the INFT fields recorded when a creator publishes an agent.
type Publication struct {
	TokenID      string          `json:"tokenId"`
	EncryptedURI string          `json:"encryptedUri"`
	MetadataHash string          `json:"metadataHash"`
	TxHash       string          `json:"txHash,omitempty"`
	Cert         json.RawMessage `json:"cert"`
}

// AgentDraft is the validated input for Registry.Create.
type AgentDraft struct {
	CreatorID    int64
	Title        string
	Description  string
	Type         string
	ThumbnailURL string
	Price        string
	Status       AgentStatus
	IsPublic     bool
	Metadata     AgentMetadata
}

type ListFilter struct {
	CreatorID int64
	Type      string
	Status    string
	Limit     int
	Offset    int
}

// Grant is a per (agent, user) right to invoke an agent.
type Grant struct {
	AgentID    int64     `json:"agentId"`
	UserID     int64     `json:"userId"`
	UsageLimit int       `json:"usageLimit"`
	UsageCount int       `json:"usageCount"`
	ExpiresAt  time.Time `json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Usable reports whether the grant permits another invocation at now.
func (g Grant) Usable(now time.Time) bool {
	return g.ExpiresAt.After(now) && g.UsageCount < g.UsageLimit
}

const TransactionCompleted = "completed"

type Transaction struct {
	ID        int64     `json:"id"`
	BuyerID   int64     `json:"buyerId"`
	SellerID  int64     `json:"sellerId"`
	AgentID   int64     `json:"agentId"`
	Price     string    `json:"price"`
	Status    string    `json:"status"`
	TxHash    string    `json:"txHash"`
	CreatedAt time.Time `json:"createdAt"`
}

const (
	InferenceSuccess = "success"
	InferenceFailed  = "failed"
)

type InferenceLog struct {
	ID           int64      `json:"id"`
	AgentID      int64      `json:"agentId"`
	UserID       int64      `json:"userId"`
	Input        string     `json:"input"`
	Output       string     `json:"output"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	ChatID       string     `json:"chatId,omitempty"`
	ProcessingMS int64      `json:"processingMs"`
	CreatedAt    time.Time  `json:"createdAt"`
	ArchivedAt   *time.Time `json:"archivedAt,omitempty"`
}

type Message = provider.Message

type User struct {
	ID            int64  `json:"id"`
	Email         string `json:"email,omitempty"`
	WalletAddress string `json:"walletAddress,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	Bio           string `json:"bio,omitempty"`
	IsAdmin       bool   `json:"isAdmin"`
}

// UserPatch lists the profile fields to change. A nil field is left alone;
// an empty string clears it.
type UserPatch struct {
	Email         *string
	WalletAddress *string
	DisplayName   *string
	Bio           *string
}

type CompositionComponent struct {
	AgentID  int64  `json:"agentId"`
	Role     string `json:"role"`
	Position int    `json:"order"`
}

type Composition struct {
	ID          int64                  `json:"id"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Components  []CompositionComponent `json:"components"`
}
