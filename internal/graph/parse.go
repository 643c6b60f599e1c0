package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Decode 解码编辑器导出的图 JSON。
// 数字保留为 json.Number，以便 Encode 时原样写回。
func Decode(r io.Reader) (*Graph, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var g Graph
	if err := dec.Decode(&g); err != nil {
		if syntaxErr, ok := err.(*json.SyntaxError); ok {
			return nil, &CompileError{Err: ErrMalformedGraph, Msg: fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset)}
		}
		return nil, &CompileError{Err: ErrMalformedGraph, Msg: err.Error()}
	}
	if g.Nodes == nil {
		g.Nodes = []Node{}
	}
	if g.Connections == nil {
		g.Connections = []Connection{}
	}
	return &g, nil
}

// DecodeBytes 是 Decode 的 []byte 版本
func DecodeBytes(b []byte) (*Graph, error) {
	return Decode(bytes.NewReader(b))
}

// Encode 把图写回编辑器使用的 JSON 形态
func Encode(w io.Writer, g *Graph) error {
	enc := json.NewEncoder(w)
	return enc.Encode(g)
}

// EncodeBytes 是 Encode 的 []byte 版本
func EncodeBytes(g *Graph) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, g); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
