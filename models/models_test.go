package models

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"
)

func TestSnapshotJSON(t *testing.T) {
	p := ReferencePosition{
		Broker:        "ig",
		DealID:        "D1",
		Epic:          "EURUSD",
		Amount:        decimal.RequireFromString("10"),
		OpenLevel:     decimal.RequireFromString("1.1000"),
		ValuePerPoint: decimal.NewFromInt(1),
		ScalingFactor: decimal.NewFromInt(1),
	}
	data, err := json.Marshal(p.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["type"] != "snapshot" || out["dealId"] != "D1" || out["direction"] != "BUY" {
		t.Fatalf("unexpected snapshot: %s", data)
	}
	if out["size"].(float64) != 10 || out["openLevel"].(float64) != 1.1 {
		t.Fatalf("unexpected numbers: %s", data)
	}
}

func TestSnapshotDirectionFromSign(t *testing.T) {
	p := ReferencePosition{DealID: "X", Amount: decimal.NewFromInt(-3)}
	s := p.Snapshot()
	if s.Direction != DirectionSell || s.Size != 3 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestBookIdempotentUpsert(t *testing.T) {
	snap := Snapshot{Type: TypeSnapshot, DealID: "D1", Epic: "EURUSD", Size: 10, OpenLevel: 1.1}
	once := NewBook()
	once.Upsert(snap)
	twice := NewBook()
	twice.Upsert(snap)
	twice.Upsert(snap)

	a, _ := once.Get("d1")
	b, _ := twice.Get("D1")
	if !reflect.DeepEqual(a.Snapshot, b.Snapshot) || len(twice.All()) != 1 {
		t.Fatalf("upsert not idempotent: %+v vs %+v", a, b)
	}
}

func TestBookApply(t *testing.T) {
	book := NewBook()
	if n, err := book.Apply([]byte(`[{"type":"snapshot","dealId":"D1","epic":"EURUSD","size":10},{"type":"snapshot","dealId":"D2"}]`)); err != nil || n != 2 {
		t.Fatalf("apply array: n=%d err=%v", n, err)
	}
	if n, err := book.Apply([]byte(`{"type":"tick","dealId":"D1","bid":1.2}`)); err != nil || n != 1 {
		t.Fatalf("apply tick: n=%d err=%v", n, err)
	}
	p, _ := book.Get("D1")
	if p.Bid == nil || *p.Bid != 1.2 || p.Ask != nil {
		t.Fatalf("unexpected prices: %+v", p)
	}
	if _, err := book.Apply([]byte(`{"type":"closed","dealId":"D2"}`)); err != nil {
		t.Fatalf("apply closed: %v", err)
	}
	if _, ok := book.Get("D2"); ok {
		t.Fatalf("D2 should be removed")
	}
	if _, err := book.Apply([]byte(`{"type":"bogus"}`)); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestDescribe(t *testing.T) {
	kind, id, epic := Describe(map[string]any{"Type": "Tick", "DealId": "P1", "epic": "X"})
	if kind != "tick" || id != "P1" || epic != "X" {
		t.Fatalf("unexpected describe: %s %s %s", kind, id, epic)
	}
	rec, err := NewEventRecord("saxo", Closed{Type: TypeClosed, DealID: "D9"})
	if err != nil || rec.Type != TypeClosed || rec.DealID != "D9" || len(rec.Payload) == 0 {
		t.Fatalf("unexpected record: %+v %v", rec, err)
	}
}
