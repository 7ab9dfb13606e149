package flow

// applyNodeChanges returns a new node list with changes applied. Nodes
// keep their id and slot; removals drop them, additions append. Added or
// replacement items that break agent binding, and additions that reuse a
// live node id, are skipped and counted in dropped.
func applyNodeChanges(changes []NodeChange, nodes []Node) (out []Node, dropped int) {
	out = make([]Node, 0, len(nodes))
	byID := make(map[string][]NodeChange, len(changes))
	removed := make(map[string]bool)
	var adds []Node

	for _, c := range changes {
		switch c.Type {
		case ChangeAdd:
			if c.Item != nil {
				adds = append(adds, *c.Item)
			}
			continue
		case ChangeRemove:
			removed[c.ID] = true
		}
		byID[c.ID] = append(byID[c.ID], c)
	}

	live := make(map[string]bool, len(nodes)+len(adds))
	for _, n := range nodes {
		if removed[n.ID] {
			continue
		}
		live[n.ID] = true
		for _, c := range byID[n.ID] {
			switch c.Type {
			case ChangeReplace:
				if c.Item == nil {
					continue
				}
				if !c.Item.Data.bound() {
					dropped++
					continue
				}
				id := n.ID
				n = *c.Item
				n.ID = id
			case ChangePosition:
				if c.Position != nil {
					n.Position = *c.Position
				}
				if c.Dragging != nil {
					n.Dragging = *c.Dragging
				}
			case ChangeDimensions:
				if c.Dimensions != nil {
					d := *c.Dimensions
					n.Measured = &d
				}
			case ChangeSelect:
				if c.Selected != nil {
					n.Selected = *c.Selected
				}
			}
		}
		out = append(out, n)
	}

	for _, n := range adds {
		if n.ID == "" || live[n.ID] || !n.Data.bound() {
			dropped++
			continue
		}
		live[n.ID] = true
		out = append(out, n)
	}
	return out, dropped
}

// bound reports whether the embedded agent matches agentId.
func (d NodeData) bound() bool {
	if d.AgentID == 0 {
		return true
	}
	return d.Agent != nil && d.Agent.ID == d.AgentID
}

func applyEdgeChanges(changes []EdgeChange, edges []Edge) []Edge {
	out := make([]Edge, 0, len(edges))
	byID := make(map[string][]EdgeChange, len(changes))
	var added []Edge

	for _, c := range changes {
		if c.Type == ChangeAdd {
			if c.Item != nil {
				added = append(added, *c.Item)
			}
			continue
		}
		byID[c.ID] = append(byID[c.ID], c)
	}

	for _, e := range edges {
		removed := false
		for _, c := range byID[e.ID] {
			switch c.Type {
			case ChangeRemove:
				removed = true
			case ChangeReplace:
				if c.Item != nil {
					id := e.ID
					e = *c.Item
					e.ID = id
				}
			case ChangeSelect:
				if c.Selected != nil {
					e.Selected = *c.Selected
				}
			}
		}
		if !removed {
			out = append(out, e)
		}
	}
	return append(out, added...)
}

// pruneEdges drops every edge with an endpoint outside nodes.
func pruneEdges(edges []Edge, nodes []Node) []Edge {
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = true
	}
	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		if ids[e.Source] && ids[e.Target] {
			out = append(out, e)
		}
	}
	return out
}
