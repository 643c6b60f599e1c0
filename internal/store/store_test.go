package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"trade-builder/internal/graph"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleGraph(terminal string) *graph.Graph {
	return &graph.Graph{
		Nodes: []graph.Node{
			{ID: "c", Kind: "const", Controls: map[string]any{"value": "1"}},
			{ID: "t", Kind: terminal, Controls: map[string]any{}},
		},
		Connections: []graph.Connection{{Source: "c", Target: "t"}},
	}
}

func TestSaveAndGetLogic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := LogicRecord{ID: "logic-1", Symbol: "KRW-BTC", Interval: 5 * time.Second, Buy: sampleGraph("buy"), Sell: sampleGraph("sell")}
	if err := s.SaveLogic(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetLogic(ctx, "logic-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Symbol != "KRW-BTC" || got.Interval != 5*time.Second {
		t.Fatalf("got=%+v", got)
	}
	if len(got.Buy.Nodes) != 2 || got.Buy.Nodes[1].Kind != "buy" || got.Sell.Nodes[1].Kind != "sell" {
		t.Fatalf("graphs not preserved: buy=%+v sell=%+v", got.Buy, got.Sell)
	}

	rec.Symbol = "KRW-ETH"
	if err := s.SaveLogic(ctx, rec); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	list, err := s.ListLogics(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Symbol != "KRW-ETH" {
		t.Fatalf("list=%+v, expected one overwritten logic", list)
	}
}

func TestGetMissingLogic(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetLogic(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveLogicRequiresID(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveLogic(context.Background(), LogicRecord{Symbol: "KRW-BTC"}); err == nil {
		t.Fatal("expected an error for an empty id")
	}
}

func TestDeleteLogicRemovesLogs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.SaveLogic(ctx, LogicRecord{ID: "x", Symbol: "KRW-BTC", Buy: sampleGraph("buy"), Sell: sampleGraph("sell")}); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Log("x", "Parse", "ok")

	tests := []struct {
		name string
		want bool
	}{
		{"existing", true},
		{"already deleted", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := s.DeleteLogic(ctx, "x")
			if err != nil {
				t.Fatalf("delete: %v", err)
			}
			if ok != tt.want {
				t.Fatalf("deleted=%v, expected %v", ok, tt.want)
			}
		})
	}
	if logs, _ := s.Logs(ctx, "x", 0); len(logs) != 0 {
		t.Fatalf("logs=%v, expected none after delete", logs)
	}
}

func TestLogsReturnsNewestInOrder(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	s, err := Open(":memory:", zap.New(core))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.Log("logic-1", "Buy", fmt.Sprintf("entry %d", i))
	}
	s.Log("other", "Buy", "unrelated")

	logs, err := s.Logs(context.Background(), "logic-1", 3)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	want := []string{"entry 2", "entry 3", "entry 4"}
	if len(logs) != len(want) {
		t.Fatalf("logs=%v, expected %v", logs, want)
	}
	for i, e := range logs {
		if e.Message != want[i] || e.LogicID != "logic-1" {
			t.Fatalf("logs[%d]=%+v, expected %q", i, e, want[i])
		}
	}

	if n := recorded.FilterMessage("Logic log").Len(); n != 6 {
		t.Fatalf("mirrored %d entries to zap, expected 6", n)
	}
}
