package graph

import (
	"fmt"
	"sort"

	"trade-builder/internal/ast"
)

// validateStructure 检查节点 id、kind、连线端点以及环。
// 返回 id → 节点索引和反向邻接表 (target → 按连线登记顺序排列的 source)。
func validateStructure(side string, g *Graph) (map[string]*Node, map[string][]string, error) {
	nodes := make(map[string]*Node, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return nil, nil, newError(side, "", ErrStructural, "node at index %d has no id", i)
		}
		if _, dup := nodes[n.ID]; dup {
			return nil, nil, newError(side, n.ID, ErrStructural, "duplicate node id")
		}
		if _, ok := ast.ParseKind(n.Kind); !ok {
			return nil, nil, newError(side, n.ID, ErrUnknownNodeKind, "%q", n.Kind)
		}
		nodes[n.ID] = n
	}

	inputs := make(map[string][]string)
	for i, c := range g.Connections {
		if _, ok := nodes[c.Source]; !ok {
			return nil, nil, newError(side, "", ErrStructural, "connection %d references unknown source %q", i, c.Source)
		}
		if _, ok := nodes[c.Target]; !ok {
			return nil, nil, newError(side, "", ErrStructural, "connection %d references unknown target %q", i, c.Target)
		}
		inputs[c.Target] = append(inputs[c.Target], c.Source)
	}

	if cycle := findCycle(nodes, inputs); cycle != nil {
		return nil, nil, newError(side, cycle[0], ErrStructural, "cycle detected: %v", cycle)
	}
	return nodes, inputs, nil
}

// findCycle 在反向邻接表上做 DFS 染色，返回发现的第一个环
func findCycle(nodes map[string]*Node, inputs map[string][]string) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(nodes))
	var path []string
	var cycle []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, src := range inputs[id] {
			switch color[src] {
			case gray:
				for i, p := range path {
					if p == src {
						cycle = append(append([]string{}, path[i:]...), src)
						break
					}
				}
				return true
			case white:
				if dfs(src) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && dfs(id) {
			return cycle
		}
	}
	return nil
}

func describe(ids []string) string {
	if len(ids) == 1 {
		return fmt.Sprintf("%q", ids[0])
	}
	return fmt.Sprintf("%q", ids)
}
