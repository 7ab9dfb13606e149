package flow

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mtzanidakis/agentflow/internal/config"
	"github.com/mtzanidakis/agentflow/internal/gateway"
)

// Layout places agents evenly on a circle.
type Layout struct {
	Center Position
	Radius float64
}

func DefaultLayout() Layout {
	return Layout{Center: Position{X: 400, Y: 300}, Radius: 250}
}

func LayoutFromConfig(cfg config.LayoutConfig) Layout {
	return Layout{Center: Position{X: cfg.CenterX, Y: cfg.CenterY}, Radius: cfg.Radius}
}

// PositionAt returns the slot of node i out of n: angle 2πi/n on the circle.
func (l Layout) PositionAt(i, n int) Position {
	angle := float64(i) / float64(n) * 2 * math.Pi
	return Position{
		X: l.Center.X + l.Radius*math.Cos(angle),
		Y: l.Center.Y + l.Radius*math.Sin(angle),
	}
}

// ConvertAgentsToNodes builds the full node list for agents, in order.
// It is a replacement, not a merge.
func ConvertAgentsToNodes(agents []gateway.Agent, l Layout) []Node {
	nodes := make([]Node, 0, len(agents))
	for i := range agents {
		a := agents[i]
		nodes = append(nodes, Node{
			ID:       NodeIDForAgent(a.ID),
			Type:     NodeTypeAgent,
			Position: l.PositionAt(i, len(agents)),
			Data: NodeData{
				Label:   a.Name,
				AgentID: a.ID,
				Agent:   &a,
			},
		})
	}
	return nodes
}

func NodeIDForAgent(agentID int) string {
	return fmt.Sprintf("agent-%d", agentID)
}

// AgentIDFromNode returns the id of the agent backing n. Nodes that carry
// no agent id fall back to the agent-{id} form of their node id.
func AgentIDFromNode(n Node) (int, bool) {
	if n.Data.AgentID != 0 {
		return n.Data.AgentID, true
	}
	rest, ok := strings.CutPrefix(n.ID, "agent-")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
