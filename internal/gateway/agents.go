package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Agent struct {
	ID          int          `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Role        string       `json:"role,omitempty"`
	Goal        string       `json:"goal,omitempty"`
	Backstory   string       `json:"backstory,omitempty"`
	Config      *AgentConfig `json:"config,omitempty"`
	UserID      int          `json:"user_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// AgentConfig holds the model parameters of an agent. Optional fields are
// pointers so a partial config leaves server defaults in place.
type AgentConfig struct {
	Model           string         `json:"model,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
	MaxTokens       *int           `json:"max_tokens,omitempty"`
	Verbose         *bool          `json:"verbose,omitempty"`
	AllowDelegation *bool          `json:"allow_delegation,omitempty"`
	Tools           map[string]any `json:"tools,omitempty"`
}

type AgentCreate struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Role        string       `json:"role"`
	Goal        string       `json:"goal"`
	Backstory   string       `json:"backstory,omitempty"`
	Config      *AgentConfig `json:"config,omitempty"`
}

// AgentUpdate is a patch: nil fields are not sent.
type AgentUpdate struct {
	Name        *string      `json:"name,omitempty"`
	Description *string      `json:"description,omitempty"`
	Role        *string      `json:"role,omitempty"`
	Goal        *string      `json:"goal,omitempty"`
	Backstory   *string      `json:"backstory,omitempty"`
	Config      *AgentConfig `json:"config,omitempty"`
}

func (a AgentCreate) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return validationError("name is required")
	}
	if strings.TrimSpace(a.Role) == "" {
		return validationError("role is required")
	}
	if strings.TrimSpace(a.Goal) == "" {
		return validationError("goal is required")
	}
	return a.Config.Validate()
}

func (u AgentUpdate) Validate() error {
	if u.Name != nil && strings.TrimSpace(*u.Name) == "" {
		return validationError("name must not be empty")
	}
	return u.Config.Validate()
}

func (c *AgentConfig) Validate() error {
	if c == nil {
		return nil
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 1) {
		return validationError("temperature must be between 0 and 1, got %g", *c.Temperature)
	}
	if c.MaxTokens != nil && *c.MaxTokens <= 0 {
		return validationError("max_tokens must be positive, got %d", *c.MaxTokens)
	}
	return nil
}

func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

func (c *Client) GetAgent(ctx context.Context, id int) (*Agent, error) {
	var a Agent
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/agents/%d", id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) CreateAgent(ctx context.Context, in AgentCreate) (*Agent, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	var a Agent
	if err := c.do(ctx, http.MethodPost, "/agents", in, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) UpdateAgent(ctx context.Context, id int, in AgentUpdate) (*Agent, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	var a Agent
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/agents/%d", id), in, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) DeleteAgent(ctx context.Context, id int) (*Agent, error) {
	var a Agent
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/agents/%d", id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
