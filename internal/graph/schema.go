package graph

// Graph 是编辑器导出的一张条件图 (buyGraph 或 sellGraph)
type Graph struct {
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
}

// Node 是图中的一个节点；控件值保持原始 JSON 形态 (数字可能以字符串出现)
type Node struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	Controls map[string]any `json:"controls"`
	Position *Position      `json:"position,omitempty"`
}

// Position 是节点在编辑器画布上的位置，编译时忽略，只为导入导出保真
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Connection 是 source → target 的有向连线
type Connection struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceOutput string `json:"sourceOutput"`
	TargetInput  string `json:"targetInput"`
}
