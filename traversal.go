package dataflow

// downstream returns nodes connected to outputs of n. Must be called
// under graph lock.
func (g *Graph) downstream(n Node) []Node {
	var result []Node
	for _, c := range g.connections {
		if c.From.NodeID() == n.ID() {
			result = append(result, g.byID[c.To.NodeID()])
		}
	}
	return result
}

// upstream returns nodes connected to inputs of n. Must be called under
// graph lock.
func (g *Graph) upstream(n Node) []Node {
	var result []Node
	for _, c := range g.connections {
		if c.To.NodeID() == n.ID() {
			result = append(result, g.byID[c.From.NodeID()])
		}
	}
	return result
}

// fromSources returns nodes in dependency order: every node follows
// all nodes connected to its inputs.
func (g *Graph) fromSources() []Node {
	return g.ordered(g.upstream, g.downstream)
}

// fromSinks returns nodes in reverse dependency order: every node
// follows all nodes connected to its outputs.
func (g *Graph) fromSinks() []Node {
	return g.ordered(g.downstream, g.upstream)
}

// ordered sorts nodes topologically. Node is enqueued when every node
// returned by prev was visited. Graph has no cycles, so every node is
// returned.
func (g *Graph) ordered(prev, next func(Node) []Node) []Node {
	waiting := make(map[Node]int, len(g.nodes))
	queue := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if w := len(prev(n)); w > 0 {
			waiting[n] = w
			continue
		}
		queue = append(queue, n)
	}
	for i := 0; i < len(queue); i++ {
		for _, n := range next(queue[i]) {
			waiting[n]--
			if waiting[n] == 0 {
				queue = append(queue, n)
			}
		}
	}
	return queue
}

func bfs(start []Node, next func(Node) []Node) []Node {
	visited := make(map[Node]struct{}, len(start))
	queue := make([]Node, 0, len(start))
	for _, n := range start {
		if _, ok := visited[n]; !ok {
			visited[n] = struct{}{}
			queue = append(queue, n)
		}
	}
	for i := 0; i < len(queue); i++ {
		for _, n := range next(queue[i]) {
			if _, ok := visited[n]; ok {
				continue
			}
			visited[n] = struct{}{}
			queue = append(queue, n)
		}
	}
	return queue
}

// reachable reports whether to is reachable from node from following
// connections downstream.
func (g *Graph) reachable(from, to Node) bool {
	if from == to {
		return true
	}
	for _, n := range bfs([]Node{from}, g.downstream) {
		if n == to {
			return true
		}
	}
	return false
}
