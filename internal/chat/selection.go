package chat

import "github.com/mtzanidakis/agentflow/internal/flow"

// OnSelectionChange follows the graph selection. It has the shape of a
// flow.SelectionListener. Nodes without a persisted agent clear the
// conversation.
func (c *Controller) OnSelectionChange(n *flow.Node) {
	if n == nil || !n.Persisted() || n.Data.Agent == nil {
		c.Select(nil)
		return
	}
	if id, ok := flow.AgentIDFromNode(*n); !ok || id != n.Data.Agent.ID {
		c.Select(nil)
		return
	}
	c.Select(n.Data.Agent)
}
