package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/lybic/agent/internal/task"
)

// ─── DAG Parsing ───

// The DAG translator tool replies with a JSON dependency graph, but models
// wrap it in varying envelopes: <json> tags, fenced blocks, single quotes,
// or a nesting object keyed "dag". Parsing tries each shape in order and
// only gives up when none yields a graph.

var (
	jsonTagRe   = regexp.MustCompile(`(?s)<json>(.*?)</json>`)
	jsonFenceRe = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	bareFenceRe = regexp.MustCompile("(?s)```\\s*(.*?)```")
)

// Graph is the parsed dependency graph. Node order preserves the textual
// plan order, which breaks topological ties.
type Graph struct {
	Nodes []task.Subtask
	Edges [][2]int // from, to as node indices
}

// ParseDAG extracts a dependency graph from a raw translator reply.
func ParseDAG(text string) (*Graph, error) {
	candidates := make([]string, 0, 4)
	for _, re := range []*regexp.Regexp{jsonTagRe, jsonFenceRe, bareFenceRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			candidates = append(candidates, strings.TrimSpace(m[1]))
		}
	}
	candidates = append(candidates, strings.TrimSpace(text))

	var lastErr error
	for _, c := range candidates {
		if c == "" {
			continue
		}
		g, err := decodeGraph(c)
		if err == nil {
			return g, nil
		}
		lastErr = err
		// Single-quoted pseudo-JSON is common enough to repair once.
		if repaired := strings.ReplaceAll(c, "'", `"`); repaired != c {
			if g, err := decodeGraph(repaired); err == nil {
				return g, nil
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no JSON payload found")
	}
	return nil, fmt.Errorf("parse dag: %w", lastErr)
}

type rawGraph struct {
	Nodes []json.RawMessage `json:"nodes"`
	Edges []json.RawMessage `json:"edges"`
}

func decodeGraph(src string) (*Graph, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal([]byte(src), &outer); err != nil {
		return nil, err
	}

	raw, err := findGraph(outer)
	if err != nil {
		return nil, err
	}

	g := &Graph{}
	for _, rn := range raw.Nodes {
		st, err := decodeNode(rn)
		if err != nil {
			return nil, err
		}
		g.Nodes = append(g.Nodes, st)
	}
	if len(g.Nodes) == 0 {
		return nil, fmt.Errorf("graph has no nodes")
	}

	index := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		index[n.Name] = i
	}
	for _, re := range raw.Edges {
		from, to, err := decodeEdge(re, index, len(g.Nodes))
		if err != nil {
			return nil, err
		}
		g.Edges = append(g.Edges, [2]int{from, to})
	}
	return g, nil
}

// findGraph locates the nodes/edges pair either at the top level or nested
// one level down under a wrapper key.
func findGraph(outer map[string]json.RawMessage) (*rawGraph, error) {
	tryKeys := func(m map[string]json.RawMessage) (*rawGraph, bool) {
		if _, ok := m["nodes"]; !ok {
			return nil, false
		}
		var rg rawGraph
		payload, _ := json.Marshal(m)
		if err := json.Unmarshal(payload, &rg); err != nil {
			return nil, false
		}
		return &rg, true
	}

	if rg, ok := tryKeys(outer); ok {
		return rg, nil
	}
	for _, key := range []string{"dag", "graph", "plan"} {
		nested, ok := outer[key]
		if !ok {
			continue
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(nested, &m); err != nil {
			continue
		}
		if rg, ok := tryKeys(m); ok {
			return rg, nil
		}
	}
	return nil, fmt.Errorf("no nodes key in graph payload")
}

// decodeNode accepts {"name": …, "info": …} objects or bare strings.
func decodeNode(raw json.RawMessage) (task.Subtask, error) {
	var obj struct {
		Name        string `json:"name"`
		Info        string `json:"info"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Name != "" {
		info := obj.Info
		if info == "" {
			info = obj.Description
		}
		return task.Subtask{Name: obj.Name, Info: info}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return task.Subtask{Name: s, Info: s}, nil
	}
	return task.Subtask{}, fmt.Errorf("unrecognized node shape: %s", truncate(string(raw), 60))
}

// decodeEdge accepts [from, to] pairs of names or indices, and
// {"from","to"} / {"source","target"} objects.
func decodeEdge(raw json.RawMessage, index map[string]int, n int) (int, int, error) {
	resolve := func(v any) (int, bool) {
		switch x := v.(type) {
		case string:
			i, ok := index[x]
			return i, ok
		case float64:
			i := int(x)
			return i, i >= 0 && i < n
		case map[string]any:
			if name, ok := x["name"].(string); ok {
				i, ok := index[name]
				return i, ok
			}
		}
		return 0, false
	}

	var pair []any
	if err := json.Unmarshal(raw, &pair); err == nil && len(pair) == 2 {
		from, ok1 := resolve(pair[0])
		to, ok2 := resolve(pair[1])
		if ok1 && ok2 {
			return from, to, nil
		}
		return 0, 0, fmt.Errorf("edge references unknown node: %s", truncate(string(raw), 60))
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		fromV, okF := obj["from"]
		if !okF {
			fromV, okF = obj["source"]
		}
		toV, okT := obj["to"]
		if !okT {
			toV, okT = obj["target"]
		}
		if okF && okT {
			from, ok1 := resolve(fromV)
			to, ok2 := resolve(toV)
			if ok1 && ok2 {
				return from, to, nil
			}
		}
	}
	return 0, 0, fmt.Errorf("unrecognized edge shape: %s", truncate(string(raw), 60))
}

// ─── Topological Sort ───

// TopoSort orders the graph's subtasks by Kahn's algorithm. Among nodes
// whose dependencies are all satisfied, the one earliest in the textual
// plan goes first, so identical inputs always yield identical queues.
// A cycle returns an error; callers degrade to the linear plan order.
func TopoSort(g *Graph) ([]task.Subtask, error) {
	n := len(g.Nodes)
	indegree := make([]int, n)
	succ := make([][]int, n)
	for _, e := range g.Edges {
		from, to := e[0], e[1]
		if from < 0 || from >= n || to < 0 || to >= n {
			return nil, fmt.Errorf("edge index out of range: %v", e)
		}
		succ[from] = append(succ[from], to)
		indegree[to]++
	}

	var ready []int
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]task.Subtask, 0, n)
	for len(ready) > 0 {
		sort.Ints(ready)
		next := ready[0]
		ready = ready[1:]
		out = append(out, g.Nodes[next])
		for _, s := range succ[next] {
			indegree[s]--
			if indegree[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	if len(out) != n {
		return nil, fmt.Errorf("dependency graph has a cycle")
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
