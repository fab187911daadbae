package execution

import (
	"fmt"
	"sort"
	"strings"
)

// EdgeKind distinguishes connection edges from condition edges.
type EdgeKind string

const (
	EdgeConnection EdgeKind = "connection"
	EdgeCondition  EdgeKind = "condition"
)

// GraphEdge is one edge of the experiment graph. Condition edges point
// from the awaited resource to the gated one.
type GraphEdge struct {
	From   Guid           `json:"from"`
	To     Guid           `json:"to"`
	Kind   EdgeKind       `json:"kind"`
	Action ResourceAction `json:"action,omitempty"`
	State  ResourceState  `json:"state,omitempty"`
}

// GraphNode is a resource in the experiment graph.
type GraphNode struct {
	Guid  Guid          `json:"guid"`
	Type  string        `json:"type"`
	State ResourceState `json:"state"`
	Level int           `json:"level"`
}

// ConditionGraph is the combined connection and condition graph of an
// experiment.
type ConditionGraph struct {
	Nodes    []GraphNode `json:"nodes"`
	Edges    []GraphEdge `json:"edges"`
	Warnings []string    `json:"warnings,omitempty"`

	// Levels groups guids by DEPLOY dependency depth.
	Levels [][]Guid `json:"levels"`
}

// BuildConditionGraph collects the experiment graph. References to
// unregistered guids are reported as warnings. A cycle among DEPLOY
// conditions is an error, since none of its members could ever deploy.
func BuildConditionGraph(ec *ExperimentController) (*ConditionGraph, error) {
	g := &ConditionGraph{}
	known := make(map[Guid]*ResourceManager)
	for _, rm := range ec.Resources() {
		known[rm.guid] = rm
	}

	deployDeps := make(map[Guid][]Guid)
	for _, rm := range ec.Resources() {
		for _, peer := range rm.Connections() {
			if _, ok := known[peer]; !ok {
				g.Warnings = append(g.Warnings, fmt.Sprintf("%s is connected to unknown guid %d", rm, peer))
				continue
			}
			if rm.guid < peer {
				g.Edges = append(g.Edges, GraphEdge{From: rm.guid, To: peer, Kind: EdgeConnection})
			}
		}
		for _, action := range []ResourceAction{ActionDeploy, ActionStart, ActionStop, ActionRelease} {
			for _, c := range rm.Conditions(action) {
				for _, member := range c.Group {
					if _, ok := known[member]; !ok {
						g.Warnings = append(g.Warnings, fmt.Sprintf(
							"%s %s condition waits on unknown guid %d", rm, action, member))
						continue
					}
					g.Edges = append(g.Edges, GraphEdge{
						From:   member,
						To:     rm.guid,
						Kind:   EdgeCondition,
						Action: action,
						State:  c.State,
					})
					if action == ActionDeploy && member != rm.guid {
						deployDeps[rm.guid] = append(deployDeps[rm.guid], member)
					}
				}
				if action == ActionDeploy {
					for _, member := range c.Group {
						if member == rm.guid {
							return nil, NewPermanentError(
								fmt.Sprintf("%s deploy waits on itself", rm), nil,
							).WithCode(ErrCodeValidation)
						}
					}
				}
			}
		}
	}

	if cycle := findCycle(ec.Guids(), deployDeps); cycle != nil {
		return nil, NewPermanentError(
			fmt.Sprintf("circular deploy dependency detected: %s", formatCycle(cycle)), nil,
		).WithCode(ErrCodeValidation)
	}

	levels := computeLevels(ec.Guids(), deployDeps)
	for i, guids := range levels {
		for _, guid := range guids {
			rm := known[guid]
			g.Nodes = append(g.Nodes, GraphNode{Guid: guid, Type: rm.rtype, State: rm.State(), Level: i})
		}
	}
	g.Levels = levels
	return g, nil
}

// findCycle runs a depth-first search over deps and returns the first
// cycle found, closed by repeating its first guid.
func findCycle(guids []Guid, deps map[Guid][]Guid) []Guid {
	visited := make(map[Guid]bool)
	onStack := make(map[Guid]bool)
	var path []Guid

	var visit func(Guid) []Guid
	visit = func(guid Guid) []Guid {
		visited[guid] = true
		onStack[guid] = true
		path = append(path, guid)
		for _, dep := range deps[guid] {
			if !visited[dep] {
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			} else if onStack[dep] {
				for i, id := range path {
					if id == dep {
						cycle := append([]Guid(nil), path[i:]...)
						return append(cycle, dep)
					}
				}
			}
		}
		path = path[:len(path)-1]
		onStack[guid] = false
		return nil
	}

	for _, guid := range guids {
		if !visited[guid] {
			if cycle := visit(guid); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// computeLevels layers guids with Kahn's algorithm: level 0 waits on
// nothing, level n waits only on lower levels.
func computeLevels(guids []Guid, deps map[Guid][]Guid) [][]Guid {
	inDegree := make(map[Guid]int, len(guids))
	dependents := make(map[Guid][]Guid)
	for _, guid := range guids {
		seen := make(map[Guid]bool)
		for _, dep := range deps[guid] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			inDegree[guid]++
			dependents[dep] = append(dependents[dep], guid)
		}
	}

	var levels [][]Guid
	var current []Guid
	for _, guid := range guids {
		if inDegree[guid] == 0 {
			current = append(current, guid)
		}
	}
	for len(current) > 0 {
		levels = append(levels, current)
		var next []Guid
		for _, guid := range current {
			for _, dependent := range dependents[guid] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		current = next
	}
	return levels
}

// ToDOT renders the graph in Graphviz DOT format.
func (g *ConditionGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Experiment {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, guids := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, guid := range guids {
			node := g.node(guid)
			sb.WriteString(fmt.Sprintf("    \"%d\" [label=\"%s\\n%d\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				guid, node.Type, guid, stateColor(node.State)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, e := range g.Edges {
		switch e.Kind {
		case EdgeConnection:
			sb.WriteString(fmt.Sprintf("  \"%d\" -> \"%d\" [dir=none, color=gray];\n", e.From, e.To))
		default:
			sb.WriteString(fmt.Sprintf("  \"%d\" -> \"%d\" [label=\"%s@%s\", %s];\n",
				e.From, e.To, e.Action, e.State, actionStyle(e.Action)))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (g *ConditionGraph) node(guid Guid) GraphNode {
	for _, n := range g.Nodes {
		if n.Guid == guid {
			return n
		}
	}
	return GraphNode{Guid: guid}
}

func formatCycle(cycle []Guid) string {
	parts := make([]string, len(cycle))
	for i, guid := range cycle {
		parts[i] = fmt.Sprint(guid)
	}
	return strings.Join(parts, " -> ")
}

func stateColor(s ResourceState) string {
	switch s {
	case StateReady, StateStarted:
		return "lightgreen"
	case StateStopped, StateReleased:
		return "lightgray"
	case StateFailed:
		return "lightcoral"
	case StateNew:
		return "white"
	default:
		return "lightblue"
	}
}

func actionStyle(a ResourceAction) string {
	switch a {
	case ActionDeploy:
		return "style=solid, color=black"
	case ActionStart:
		return "style=solid, color=darkgreen"
	case ActionStop:
		return "style=dashed, color=blue"
	default:
		return "style=dotted, color=gray"
	}
}
