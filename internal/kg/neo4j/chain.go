package neo4j

import "sort"

// LongestChain returns the edge count of the longest path through deps.
// Edges that close a cycle are ignored.
func LongestChain(deps []Dependency) int {
	adj := make(map[string][]string)
	for _, d := range deps {
		adj[d.From] = append(adj[d.From], d.To)
	}
	nodes := make([]string, 0, len(adj))
	for n, next := range adj {
		nodes = append(nodes, n)
		sort.Strings(next)
	}
	sort.Strings(nodes)

	const (
		unvisited = iota
		active
		done
	)
	state := make(map[string]int)
	depth := make(map[string]int)

	var visit func(string) int
	visit = func(n string) int {
		switch state[n] {
		case active:
			return -1
		case done:
			return depth[n]
		}
		state[n] = active
		best := 0
		for _, m := range adj[n] {
			if d := visit(m); d >= 0 && d+1 > best {
				best = d + 1
			}
		}
		state[n] = done
		depth[n] = best
		return best
	}

	longest := 0
	for _, n := range nodes {
		if d := visit(n); d > longest {
			longest = d
		}
	}
	return longest
}
