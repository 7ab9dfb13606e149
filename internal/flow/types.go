// Package flow holds the node/edge graph that mirrors the remote agent
// registry, and the store that keeps the two consistent.
package flow

import (
	"errors"

	"github.com/mtzanidakis/agentflow/internal/gateway"
)

const (
	// NodeTypeAgent is the node type the canvas renders as an agent card.
	NodeTypeAgent = "agentNode"

	defaultNodeLabel = "New Agent"
	edgeStroke       = "#2563eb"
)

var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrAgentMismatch = errors.New("node agent id does not match agent data")
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// NodeData is what a node displays. AgentID is zero for transient nodes
// that no persisted agent backs; when non-zero, Agent.ID equals AgentID.
type NodeData struct {
	Label   string         `json:"label"`
	AgentID int            `json:"agentId,omitempty"`
	Agent   *gateway.Agent `json:"agentData,omitempty"`
}

// Node values are treated as immutable snapshots: mutations build a new
// Node and replace the old one in the graph.
type Node struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Position Position    `json:"position"`
	Data     NodeData    `json:"data"`
	Selected bool        `json:"selected,omitempty"`
	Dragging bool        `json:"dragging,omitempty"`
	Measured *Dimensions `json:"measured,omitempty"`
}

// Persisted reports whether a server-side agent backs the node.
func (n Node) Persisted() bool {
	return n.Data.AgentID != 0
}

type EdgeStyle struct {
	Stroke string `json:"stroke,omitempty"`
}

type Edge struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	Target       string    `json:"target"`
	SourceHandle string    `json:"sourceHandle,omitempty"`
	TargetHandle string    `json:"targetHandle,omitempty"`
	Animated     bool      `json:"animated,omitempty"`
	Style        EdgeStyle `json:"style"`
	Selected     bool      `json:"selected,omitempty"`
}

// Connection is a user-drawn link between two nodes on the canvas.
type Connection struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// NodeInput describes a node to add. Zero fields take defaults.
type NodeInput struct {
	ID       string    `json:"id,omitempty"`
	Position *Position `json:"position,omitempty"`
	Data     NodeData  `json:"data"`
}

// NodeDataPatch merges into NodeData; nil fields are left alone.
type NodeDataPatch struct {
	Label   *string        `json:"label,omitempty"`
	AgentID *int           `json:"agentId,omitempty"`
	Agent   *gateway.Agent `json:"agentData,omitempty"`
}

const (
	ChangePosition   = "position"
	ChangeDimensions = "dimensions"
	ChangeSelect     = "select"
	ChangeRemove     = "remove"
	ChangeAdd        = "add"
	ChangeReplace    = "replace"
)

// NodeChange is one delta emitted by the rendering surface.
type NodeChange struct {
	Type       string      `json:"type"`
	ID         string      `json:"id,omitempty"`
	Position   *Position   `json:"position,omitempty"`
	Dragging   *bool       `json:"dragging,omitempty"`
	Selected   *bool       `json:"selected,omitempty"`
	Dimensions *Dimensions `json:"dimensions,omitempty"`
	Item       *Node       `json:"item,omitempty"`
}

type EdgeChange struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Selected *bool  `json:"selected,omitempty"`
	Item     *Edge  `json:"item,omitempty"`
}

// State is a point-in-time copy of the store.
type State struct {
	Nodes         []Node          `json:"nodes"`
	Edges         []Edge          `json:"edges"`
	SelectedAgent *Node           `json:"selectedAgent"`
	AgentFormOpen bool            `json:"isAgentFormOpen"`
	Agents        []gateway.Agent `json:"agents"`
	Error         string          `json:"error,omitempty"`
	Loading       bool            `json:"loading"`
}

// Event is published after every store mutation.
type Event struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	State  State  `json:"state"`
}

const EventGraphUpdated = "graph.updated"
