package market

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	minComponents = 2
	maxComponents = 16
)

type ComposeRequest struct {
	CreatorID   int64
	Title       string
	Description string
	Components  []CompositionComponent
}

// Composer builds composite agents out of agents the caller may use.
type Composer struct {
	registry *Registry
	ledger   *Ledger
	store    Store
	log      *slog.Logger
}

func NewComposer(registry *Registry, ledger *Ledger, store Store, opts Options) *Composer {
	opts = opts.withDefaults()
	return &Composer{
		registry: registry,
		ledger:   ledger,
		store:    store,
		log:      opts.Logger.With("component", "composer"),
	}
}

// Compose stores a new private composite agent and its component rows in
// one unit of work. Every component must be owned by the caller or covered
// by a usable grant.
func (c *Composer) Compose(ctx context.Context, req ComposeRequest) (Composition, error) {
	if req.CreatorID <= 0 {
		return Composition{}, ErrUnauthenticated
	}
	if len(req.Components) < minComponents {
		return Composition{}, invalid("components", fmt.Sprintf("at least %d components are required", minComponents))
	}
	if len(req.Components) > maxComponents {
		return Composition{}, invalid("components", "too many components")
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "Composite agent"
	}

	components := make([]CompositionComponent, 0, len(req.Components))
	seen := map[int64]struct{}{}
	for i, comp := range req.Components {
		if _, dup := seen[comp.AgentID]; dup {
			return Composition{}, invalid("components", fmt.Sprintf("agent %d listed twice", comp.AgentID))
		}
		seen[comp.AgentID] = struct{}{}

		agent, err := c.registry.Get(ctx, comp.AgentID)
		if err != nil {
			return Composition{}, err
		}
		if agent.CreatorID != req.CreatorID {
			ok, err := c.ledger.IsAuthorized(ctx, agent.ID, req.CreatorID)
			if err != nil {
				return Composition{}, err
			}
			if !ok {
				return Composition{}, ErrForbidden
			}
		}
		comp.Role = strings.TrimSpace(comp.Role)
		if comp.Role == "" {
			comp.Role = "component"
		}
		if comp.Position <= 0 {
			comp.Position = i + 1
		}
		components = append(components, comp)
	}

	draft, err := normalizeDraft(AgentDraft{
		CreatorID:   req.CreatorID,
		Title:       req.Title,
		Description: description,
		Type:        TypeComposite,
		Price:       "0",
		Status:      StatusActive,
		IsPublic:    false,
	})
	if err != nil {
		return Composition{}, err
	}

	var id int64
	err = c.store.InTx(ctx, func(tx Tx) error {
		var err error
		id, err = tx.CreateAgent(ctx, draft)
		if err != nil {
			return fmt.Errorf("create composite: %w", err)
		}
		for _, comp := range components {
			if err := tx.AddComponent(ctx, id, comp); err != nil {
				return fmt.Errorf("add component %d: %w", comp.AgentID, err)
			}
		}
		return nil
	})
	if err != nil {
		return Composition{}, persistence("compose", err)
	}

	c.log.InfoContext(ctx, "composite agent created", "agent_id", id, "creator_id", req.CreatorID, "components", len(components))
	return Composition{
		ID:          id,
		Title:       draft.Title,
		Description: draft.Description,
		Components:  components,
	}, nil
}

func (c *Composer) List(ctx context.Context, creatorID int64) ([]Composition, error) {
	if creatorID <= 0 {
		return nil, ErrUnauthenticated
	}
	out, err := c.store.ListCompositions(ctx, creatorID)
	if err != nil {
		return nil, persistence("list compositions", err)
	}
	if out == nil {
		out = []Composition{}
	}
	return out, nil
}
