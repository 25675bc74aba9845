package market

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100

	maxTitleLen       = 200
	maxDescriptionLen = 4000
	maxTypeLen        = 64
	maxCapabilities   = 32
)

var priceRe = regexp.MustCompile(`^[0-9]{1,30}(\.[0-9]{1,18})?$`)

// Registry owns agent definitions.
type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Create validates d, applies metadata defaults and stores a new agent.
func (r *Registry) Create(ctx context.Context, d AgentDraft) (int64, error) {
	d, err := normalizeDraft(d)
	if err != nil {
		return 0, err
	}
	id, err := r.store.CreateAgent(ctx, d)
	if err != nil {
		return 0, persistence("create agent", err)
	}
	return id, nil
}

func (r *Registry) Get(ctx context.Context, id int64) (Agent, error) {
	if id <= 0 {
		return Agent{}, ErrNotFound
	}
	a, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return Agent{}, persistence("get agent", err)
	}
	return a, nil
}

// List returns a newest-first page of agents.
func (r *Registry) List(ctx context.Context, f ListFilter) ([]Agent, error) {
	f.Limit = clampLimit(f.Limit)
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Type = strings.TrimSpace(f.Type)
	f.Status = strings.TrimSpace(f.Status)
	agents, err := r.store.ListAgents(ctx, f)
	if err != nil {
		return nil, persistence("list agents", err)
	}
	if agents == nil {
		agents = []Agent{}
	}
	return agents, nil
}

// AuthorizedAgents returns the agents userID holds a grant for, followed by
// the agents they created, without duplicates.
func (r *Registry) AuthorizedAgents(ctx context.Context, userID int64) ([]Agent, error) {
	grants, err := r.store.ListUserGrants(ctx, userID)
	if err != nil {
		return nil, persistence("list grants", err)
	}
	out := make([]Agent, 0, len(grants))
	seen := map[int64]struct{}{}
	for _, g := range grants {
		a, err := r.store.GetAgent(ctx, g.AgentID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, persistence("get agent", err)
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}

	created, err := r.store.ListAgents(ctx, ListFilter{CreatorID: userID})
	if err != nil {
		return nil, persistence("list created agents", err)
	}
	for _, a := range created {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out, nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func normalizeDraft(d AgentDraft) (AgentDraft, error) {
	d.Title = strings.TrimSpace(d.Title)
	d.Description = strings.TrimSpace(d.Description)
	d.Type = strings.TrimSpace(d.Type)
	d.Price = strings.TrimSpace(d.Price)
	d.ThumbnailURL = strings.TrimSpace(d.ThumbnailURL)

	switch {
	case d.CreatorID <= 0:
		return d, invalid("creatorId", "required")
	case d.Title == "":
		return d, invalid("title", "required")
	case d.Description == "":
		return d, invalid("description", "required")
	case d.Type == "":
		return d, invalid("type", "required")
	case d.Price == "":
		return d, invalid("price", "required")
	}
	if utf8.RuneCountInString(d.Title) > maxTitleLen {
		return d, invalid("title", "too long")
	}
	if utf8.RuneCountInString(d.Description) > maxDescriptionLen {
		return d, invalid("description", "too long")
	}
	if len(d.Type) > maxTypeLen {
		return d, invalid("type", "too long")
	}
	if !priceRe.MatchString(d.Price) {
		return d, invalid("price", "must be a non-negative decimal")
	}

	if d.Status == "" {
		d.Status = StatusInactive
	}
	if !d.Status.Valid() {
		return d, invalid("status", "must be active, inactive or evolving")
	}

	m := d.Metadata
	m.BaseModel = strings.TrimSpace(m.BaseModel)
	if m.BaseModel == "" {
		m.BaseModel = DefaultBaseModel
	}
	m.VerificationMode = strings.TrimSpace(m.VerificationMode)
	if m.VerificationMode == "" {
		m.VerificationMode = DefaultVerificationMode
	}
	if _, ok := verificationModes[m.VerificationMode]; !ok {
		return d, invalid("verificationMode", "unsupported")
	}
	if len(m.Parameters) == 0 || string(m.Parameters) == "null" {
		m.Parameters = json.RawMessage(`{}`)
	}
	var params map[string]any
	if err := json.Unmarshal(m.Parameters, &params); err != nil {
		return d, invalid("parameters", "must be a JSON object")
	}
	m.Capabilities = normalizeCapabilities(m.Capabilities)
	if len(m.Capabilities) > maxCapabilities {
		return d, invalid("capabilities", "too many entries")
	}
	d.Metadata = m
	return d, nil
}

func normalizeCapabilities(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" || len(c) > 64 {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
