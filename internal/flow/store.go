package flow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/mtzanidakis/agentflow/internal/broadcast"
	"github.com/mtzanidakis/agentflow/internal/gateway"
)

// Gateway is the subset of the remote service the store needs.
type Gateway interface {
	ListAgents(ctx context.Context) ([]gateway.Agent, error)
	CreateAgent(ctx context.Context, in gateway.AgentCreate) (*gateway.Agent, error)
	UpdateAgent(ctx context.Context, id int, in gateway.AgentUpdate) (*gateway.Agent, error)
	DeleteAgent(ctx context.Context, id int) (*gateway.Agent, error)
}

// SelectionListener observes the selected node. It is called outside the
// store lock with nil when the selection is cleared.
type SelectionListener func(node *Node)

type Option func(*Store)

func WithLayout(l Layout) Option {
	return func(s *Store) { s.layout = l }
}

// WithPlacement sets where CreateAgent drops the new node.
func WithPlacement(place func() Position) Option {
	return func(s *Store) { s.place = place }
}

func WithSelectionListener(fn SelectionListener) Option {
	return func(s *Store) { s.listeners = append(s.listeners, fn) }
}

// Store owns the graph mirror of the agent registry. Agent mutations are
// applied to the graph only after the gateway confirms them.
//
// Loading and Error are shared by every API-backed command. Each command
// takes a request token when it starts, and only the most recently issued
// command may write the two fields when it finishes.
type Store struct {
	gw        Gateway
	layout    Layout
	place     func() Position
	listeners []SelectionListener
	events    *broadcast.Broadcaster[Event]
	logger    *slog.Logger

	mu    sync.Mutex
	state State
	seq   uint64
}

func NewStore(gw Gateway, opts ...Option) *Store {
	s := &Store{
		gw:     gw,
		layout: DefaultLayout(),
		place:  randomPlacement,
		events: broadcast.New[Event]("graph"),
		logger: slog.Default().With("component", "flow"),
		state: State{
			Nodes:  []Node{},
			Edges:  []Edge{},
			Agents: []gateway.Agent{},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func randomPlacement() Position {
	return Position{X: rand.Float64() * 300, Y: rand.Float64() * 300}
}

func (s *Store) Subscribe(ctx context.Context) (<-chan Event, func()) {
	return s.events.Subscribe(ctx)
}

func (s *Store) Close() {
	s.events.Close()
}

func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() State {
	st := State{
		Nodes:         slices.Clone(s.state.Nodes),
		Edges:         slices.Clone(s.state.Edges),
		AgentFormOpen: s.state.AgentFormOpen,
		Agents:        slices.Clone(s.state.Agents),
		Error:         s.state.Error,
		Loading:       s.state.Loading,
	}
	if s.state.SelectedAgent != nil {
		n := *s.state.SelectedAgent
		st.SelectedAgent = &n
	}
	return st
}

// commit publishes the state and, when the selected node changed, tells
// the selection listeners. Must be called without the lock held.
func (s *Store) commit(reason string, st State, selectionChanged bool) {
	s.events.Publish(Event{Type: EventGraphUpdated, Reason: reason, State: st})
	if !selectionChanged {
		return
	}
	for _, fn := range s.listeners {
		fn(st.SelectedAgent)
	}
}

// mutate runs fn under the lock and commits the result.
func (s *Store) mutate(reason string, fn func() error) error {
	s.mu.Lock()
	before := selectionKey(s.state.SelectedAgent)
	if err := fn(); err != nil {
		s.mu.Unlock()
		return err
	}
	st := s.snapshotLocked()
	changed := before != selectionKey(s.state.SelectedAgent)
	s.mu.Unlock()

	s.commit(reason, st, changed)
	return nil
}

type selKey struct {
	id    string
	label string
	agent *gateway.Agent
}

func selectionKey(n *Node) selKey {
	if n == nil {
		return selKey{}
	}
	return selKey{id: n.ID, label: n.Data.Label, agent: n.Data.Agent}
}

// begin issues a request token and marks the store loading.
func (s *Store) begin(reason string) uint64 {
	s.mu.Lock()
	s.seq++
	token := s.seq
	s.state.Loading = true
	s.state.Error = ""
	st := s.snapshotLocked()
	s.mu.Unlock()

	s.commit(reason, st, false)
	return token
}

// finishLocked settles Loading/Error, unless a newer command was issued.
func (s *Store) finishLocked(token uint64, err error, fallback string) {
	if token != s.seq {
		s.logger.Debug("stale request outcome ignored", "token", token, "latest", s.seq)
		return
	}
	s.state.Loading = false
	if err != nil {
		s.state.Error = gateway.ErrorMessage(err, fallback)
	} else {
		s.state.Error = ""
	}
}

func (s *Store) fail(reason string, token uint64, err error, fallback string) error {
	_ = s.mutate(reason, func() error {
		s.finishLocked(token, err, fallback)
		return nil
	})
	s.logger.Warn("agent request failed", "op", reason, "error", err)
	return err
}

// FetchAgents reloads the agent cache and rebuilds every node from it.
// Local-only nodes are discarded, along with edges that touched them.
func (s *Store) FetchAgents(ctx context.Context) error {
	token := s.begin("fetch_agents")

	agents, err := s.gw.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("fetch agents: %w", s.fail("fetch_agents", token, err, "Failed to fetch agents"))
	}
	if agents == nil {
		agents = []gateway.Agent{}
	}

	return s.mutate("fetch_agents", func() error {
		s.state.Agents = agents
		s.state.Nodes = ConvertAgentsToNodes(agents, s.layout)
		s.state.Edges = pruneEdges(s.state.Edges, s.state.Nodes)
		s.refreshSelectionLocked()
		s.finishLocked(token, nil, "")
		return nil
	})
}

// CreateAgent persists a new agent, adds a node for it, selects that node
// and closes the creation form.
func (s *Store) CreateAgent(ctx context.Context, in gateway.AgentCreate) (*gateway.Agent, error) {
	token := s.begin("create_agent")

	agent, err := s.gw.CreateAgent(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", s.fail("create_agent", token, err, "Failed to create agent"))
	}

	err = s.mutate("create_agent", func() error {
		s.state.Agents = append(s.state.Agents, *agent)
		pos := s.place()
		a := *agent
		node := s.addNodeLocked(NodeInput{
			Position: &pos,
			Data:     NodeData{Label: a.Name, AgentID: a.ID, Agent: &a},
		})
		s.state.AgentFormOpen = false
		s.state.SelectedAgent = &node
		s.finishLocked(token, nil, "")
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("agent created", "agent_id", agent.ID, "name", agent.Name)
	return agent, nil
}

// UpdateAgent persists a patch and refreshes the matching node's label and
// agent data. The node keeps its id and position.
func (s *Store) UpdateAgent(ctx context.Context, id int, patch gateway.AgentUpdate) (*gateway.Agent, error) {
	token := s.begin("update_agent")

	agent, err := s.gw.UpdateAgent(ctx, id, patch)
	if err != nil {
		return nil, fmt.Errorf("update agent %d: %w", id, s.fail("update_agent", token, err, "Failed to update agent"))
	}

	err = s.mutate("update_agent", func() error {
		for i := range s.state.Agents {
			if s.state.Agents[i].ID == id {
				s.state.Agents[i] = *agent
			}
		}
		if idx := s.nodeIndexByAgentLocked(id); idx >= 0 {
			a := *agent
			n := s.state.Nodes[idx]
			n.Data.Label = a.Name
			n.Data.Agent = &a
			s.state.Nodes[idx] = n
			s.refreshSelectionLocked()
		}
		s.finishLocked(token, nil, "")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// DeleteAgent removes the agent server-side, then drops it from the cache
// and removes its node and every edge touching that node.
func (s *Store) DeleteAgent(ctx context.Context, id int) error {
	token := s.begin("delete_agent")

	if _, err := s.gw.DeleteAgent(ctx, id); err != nil {
		return fmt.Errorf("delete agent %d: %w", id, s.fail("delete_agent", token, err, "Failed to delete agent"))
	}

	err := s.mutate("delete_agent", func() error {
		s.state.Agents = slices.DeleteFunc(s.state.Agents, func(a gateway.Agent) bool { return a.ID == id })
		if idx := s.nodeIndexByAgentLocked(id); idx >= 0 {
			s.removeNodeLocked(s.state.Nodes[idx].ID)
		}
		s.finishLocked(token, nil, "")
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("agent deleted", "agent_id", id)
	return nil
}

// AddNode appends a local node. It does not touch the remote service.
func (s *Store) AddNode(in NodeInput) (Node, error) {
	if in.Data.AgentID != 0 && (in.Data.Agent == nil || in.Data.Agent.ID != in.Data.AgentID) {
		return Node{}, ErrAgentMismatch
	}
	var node Node
	err := s.mutate("add_node", func() error {
		node = s.addNodeLocked(in)
		return nil
	})
	return node, err
}

func (s *Store) addNodeLocked(in NodeInput) Node {
	id := in.ID
	if id == "" {
		id = s.newNodeIDLocked()
	}
	pos := Position{X: 100, Y: 100}
	if in.Position != nil {
		pos = *in.Position
	}
	data := in.Data
	if data.Label == "" {
		data.Label = defaultNodeLabel
	}
	node := Node{ID: id, Type: NodeTypeAgent, Position: pos, Data: data}
	s.state.Nodes = append(s.state.Nodes, node)
	return node
}

func (s *Store) newNodeIDLocked() string {
	for {
		id := "node_" + uuid.NewString()[:7]
		if s.nodeIndexLocked(id) < 0 {
			return id
		}
	}
}

// UpdateNode merges patch into a node's data.
func (s *Store) UpdateNode(id string, patch NodeDataPatch) error {
	return s.mutate("update_node", func() error {
		idx := s.nodeIndexLocked(id)
		if idx < 0 {
			return fmt.Errorf("update node %s: %w", id, ErrNodeNotFound)
		}
		n := s.state.Nodes[idx]
		if patch.Label != nil {
			n.Data.Label = *patch.Label
		}
		if patch.AgentID != nil {
			n.Data.AgentID = *patch.AgentID
		}
		if patch.Agent != nil {
			a := *patch.Agent
			n.Data.Agent = &a
		}
		if n.Data.AgentID != 0 && (n.Data.Agent == nil || n.Data.Agent.ID != n.Data.AgentID) {
			return fmt.Errorf("update node %s: %w", id, ErrAgentMismatch)
		}
		s.state.Nodes[idx] = n
		s.refreshSelectionLocked()
		return nil
	})
}

// RemoveNode drops a node and every edge that references it. The backing
// agent, if any, is left alone.
func (s *Store) RemoveNode(id string) error {
	return s.mutate("remove_node", func() error {
		if s.nodeIndexLocked(id) < 0 {
			return fmt.Errorf("remove node %s: %w", id, ErrNodeNotFound)
		}
		s.removeNodeLocked(id)
		return nil
	})
}

func (s *Store) removeNodeLocked(id string) {
	s.state.Nodes = slices.DeleteFunc(s.state.Nodes, func(n Node) bool { return n.ID == id })
	s.state.Edges = slices.DeleteFunc(s.state.Edges, func(e Edge) bool { return e.Source == id || e.Target == id })
	if s.state.SelectedAgent != nil && s.state.SelectedAgent.ID == id {
		s.state.SelectedAgent = nil
	}
}

// OnNodesChange applies a batch of canvas deltas. Additions with a
// duplicate id and items whose agentData does not match agentId are
// dropped.
func (s *Store) OnNodesChange(changes []NodeChange) {
	_ = s.mutate("nodes_change", func() error {
		nodes, dropped := applyNodeChanges(changes, s.state.Nodes)
		if dropped > 0 {
			s.logger.Warn("dropped invalid node changes", "count", dropped)
		}
		s.state.Nodes = nodes
		s.state.Edges = pruneEdges(s.state.Edges, s.state.Nodes)
		s.refreshSelectionLocked()
		return nil
	})
}

// OnEdgesChange applies a batch of canvas deltas. Added edges whose
// endpoints do not exist are dropped.
func (s *Store) OnEdgesChange(changes []EdgeChange) {
	_ = s.mutate("edges_change", func() error {
		edges := applyEdgeChanges(changes, s.state.Edges)
		s.state.Edges = pruneEdges(edges, s.state.Nodes)
		if dropped := len(edges) - len(s.state.Edges); dropped > 0 {
			s.logger.Warn("dropped edges with unknown endpoints", "count", dropped)
		}
		return nil
	})
}

// AddEdge connects two existing nodes. Duplicates and cycles are allowed.
func (s *Store) AddEdge(conn Connection) (Edge, error) {
	var edge Edge
	err := s.mutate("add_edge", func() error {
		if s.nodeIndexLocked(conn.Source) < 0 {
			return fmt.Errorf("add edge: source %s: %w", conn.Source, ErrNodeNotFound)
		}
		if s.nodeIndexLocked(conn.Target) < 0 {
			return fmt.Errorf("add edge: target %s: %w", conn.Target, ErrNodeNotFound)
		}
		edge = Edge{
			ID:           fmt.Sprintf("xy-edge__%s%s-%s%s-%s", conn.Source, conn.SourceHandle, conn.Target, conn.TargetHandle, uuid.NewString()[:8]),
			Source:       conn.Source,
			Target:       conn.Target,
			SourceHandle: conn.SourceHandle,
			TargetHandle: conn.TargetHandle,
			Animated:     true,
			Style:        EdgeStyle{Stroke: edgeStroke},
		}
		s.state.Edges = append(s.state.Edges, edge)
		return nil
	})
	return edge, err
}

// SetSelectedAgent selects the node with the given id, or clears the
// selection when id is empty. Listeners are always notified.
func (s *Store) SetSelectedAgent(id string) error {
	s.mu.Lock()
	if id == "" {
		s.state.SelectedAgent = nil
	} else {
		idx := s.nodeIndexLocked(id)
		if idx < 0 {
			s.mu.Unlock()
			return fmt.Errorf("select node %s: %w", id, ErrNodeNotFound)
		}
		n := s.state.Nodes[idx]
		s.state.SelectedAgent = &n
	}
	st := s.snapshotLocked()
	s.mu.Unlock()

	s.commit("select", st, true)
	return nil
}

// ToggleAgentForm flips the creation form and returns its new state.
func (s *Store) ToggleAgentForm() bool {
	var open bool
	_ = s.mutate("toggle_form", func() error {
		s.state.AgentFormOpen = !s.state.AgentFormOpen
		open = s.state.AgentFormOpen
		return nil
	})
	return open
}

// refreshSelectionLocked points the selection at the current copy of the
// selected node, or clears it if the node is gone.
func (s *Store) refreshSelectionLocked() {
	if s.state.SelectedAgent == nil {
		return
	}
	idx := s.nodeIndexLocked(s.state.SelectedAgent.ID)
	if idx < 0 {
		s.state.SelectedAgent = nil
		return
	}
	n := s.state.Nodes[idx]
	s.state.SelectedAgent = &n
}

func (s *Store) nodeIndexLocked(id string) int {
	return slices.IndexFunc(s.state.Nodes, func(n Node) bool { return n.ID == id })
}

func (s *Store) nodeIndexByAgentLocked(agentID int) int {
	return slices.IndexFunc(s.state.Nodes, func(n Node) bool { return n.Data.AgentID == agentID })
}
