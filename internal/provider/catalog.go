package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Entry routes a set of base models to one endpoint.
type Entry struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // "openai" | "static"
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// APIKeyEnv names an env var holding the key, so files can be committed.
	APIKeyEnv string   `yaml:"api_key_env"`
	Models    []string `yaml:"models"`
	// Model overrides the model name sent upstream.
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type catalogFile struct {
	Default   string  `yaml:"default"`
	Providers []Entry `yaml:"providers"`
}

type route struct {
	p     Provider
	model string
}

// Catalog picks a provider by the agent's base model. It is itself a
// Provider: Complete dispatches on Request.Model.
type Catalog struct {
	byModel map[string]route
	def     *route
}

// NewCatalog builds a catalog with a single default provider.
func NewCatalog(def Provider) *Catalog {
	return &Catalog{byModel: map[string]route{}, def: &route{p: def}}
}

// LoadCatalog reads a YAML provider file. def serves models the file does
// not mention; it may be nil.
func LoadCatalog(path string, def Provider) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(b, def)
}

func ParseCatalog(b []byte, def Provider) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("providers: parse: %w", err)
	}
	c := &Catalog{byModel: map[string]route{}}
	if def != nil {
		c.def = &route{p: def}
	}
	named := map[string]route{}
	for i, e := range f.Providers {
		p, err := e.build()
		if err != nil {
			return nil, fmt.Errorf("providers[%d]: %w", i, err)
		}
		r := route{p: p, model: strings.TrimSpace(e.Model)}
		if e.Name != "" {
			named[e.Name] = r
		}
		for _, m := range e.Models {
			m = strings.TrimSpace(m)
			if m == "" {
				continue
			}
			if _, dup := c.byModel[m]; dup {
				return nil, fmt.Errorf("providers[%d]: model %q routed twice", i, m)
			}
			c.byModel[m] = r
		}
	}
	if f.Default != "" {
		r, ok := named[f.Default]
		if !ok {
			return nil, fmt.Errorf("providers: default %q is not defined", f.Default)
		}
		c.def = &r
	}
	return c, nil
}

func (e Entry) build() (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(e.Kind)) {
	case "", "openai":
		if strings.TrimSpace(e.BaseURL) == "" {
			return nil, errors.New("base_url is required")
		}
		key := e.APIKey
		if e.APIKeyEnv != "" {
			key = os.Getenv(e.APIKeyEnv)
		}
		return NewOpenAI(e.BaseURL, key, time.Duration(e.TimeoutSeconds)*time.Second), nil
	case "static":
		return Static{}, nil
	default:
		return nil, fmt.Errorf("unsupported kind %q", e.Kind)
	}
}

func (c *Catalog) Complete(ctx context.Context, req Request) (Result, error) {
	r, ok := c.byModel[req.Model]
	if !ok {
		if c.def == nil {
			return Result{}, &Error{Message: fmt.Sprintf("no provider serves model %q", req.Model)}
		}
		r = *c.def
	}
	if r.model != "" {
		req.Model = r.model
	}
	return r.p.Complete(ctx, req)
}

// WithModel sends every request p serves under model, whatever the agent's
// base model is. An empty model returns p unchanged.
func WithModel(p Provider, model string) Provider {
	model = strings.TrimSpace(model)
	if model == "" {
		return p
	}
	return pinned{p: p, model: model}
}

type pinned struct {
	p     Provider
	model string
}

func (m pinned) Complete(ctx context.Context, req Request) (Result, error) {
	req.Model = m.model
	return m.p.Complete(ctx, req)
}

// Static answers locally without a network call. Useful for development.
type Static struct{}

func (Static) Complete(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	return Result{
		Content: fmt.Sprintf("[%s] %s", req.Model, last),
		ChatID:  "static-" + uuid.NewString(),
	}, nil
}
