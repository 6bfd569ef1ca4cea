package processor

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"brokerstream/config"
	"brokerstream/internal/jsonpath"
	"brokerstream/internal/reference"
	"brokerstream/internal/template"
	"brokerstream/models"
)

func storeWith(positions ...models.ReferencePosition) *reference.Store {
	s := reference.NewStore()
	m := map[string]models.ReferencePosition{}
	for _, p := range positions {
		m[p.DealID] = p
	}
	s.Swap("saxo", m)
	return s
}

func refD1() models.ReferencePosition {
	return models.ReferencePosition{
		Broker:        "saxo",
		Account:       "ACC1",
		DealID:        "D1",
		Epic:          "EURUSD",
		Amount:        decimal.RequireFromString("-2"),
		OpenLevel:     decimal.RequireFromString("1.1"),
		Currency:      "USD",
		Uic:           "21",
		ValuePerPoint: decimal.NewFromInt(1),
		ScalingFactor: decimal.NewFromInt(1),
	}
}

func TestIdentityCandidates(t *testing.T) {
	e := NewEnricher("saxo", config.FramesConfig{}, nil, nil)
	tests := []struct {
		item map[string]any
		want string
		ok   bool
	}{
		{map[string]any{"PositionId": "P1", "DealId": "D1"}, "P1", true},
		{map[string]any{"DealId": "D1"}, "D1", true},
		{map[string]any{"NetPositionId": json.Number("42")}, "42", true},
		{map[string]any{"dealid": "d9"}, "d9", true},
		{map[string]any{"PositionId": ""}, "", false},
		{map[string]any{"Bid": 1}, "", false},
	}
	for _, tc := range tests {
		got, ok := e.Identity(tc.item)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Identity(%v) = %q,%v want %q,%v", tc.item, got, ok, tc.want, tc.ok)
		}
	}
}

func TestMergeHit(t *testing.T) {
	e := NewEnricher("saxo", config.FramesConfig{}, storeWith(refD1()), nil)
	item := map[string]any{"PositionId": "d1", "Bid": json.Number("1.2")}

	merged, hit := e.Merge(item)
	if !hit {
		t.Fatal("expected merge hit")
	}
	if _, ok := item["PositionBase"]; ok {
		t.Fatal("input item must not be modified")
	}
	if got := jsonpath.SelectString(merged, "PositionBase.Amount"); got != "-2" {
		t.Fatalf("unexpected amount %q", got)
	}
	if got := jsonpath.SelectString(merged, "PositionBase.BuySell"); got != "Sell" {
		t.Fatalf("unexpected side %q", got)
	}
	if got := jsonpath.SelectString(merged, "PositionBase.Uic"); got != "21" {
		t.Fatalf("unexpected uic %q", got)
	}
	if got := jsonpath.SelectString(merged, "DisplayAndFormat.Symbol"); got != "EURUSD" {
		t.Fatalf("unexpected symbol %q", got)
	}
	if got := jsonpath.SelectString(merged, "Direction"); got != "Sell" {
		t.Fatalf("unexpected direction %q", got)
	}
	if got := jsonpath.SelectString(merged, "Bid"); got != "1.2" {
		t.Fatalf("stream fields must survive, got %q", got)
	}
}

func TestMergeMiss(t *testing.T) {
	e := NewEnricher("saxo", config.FramesConfig{}, storeWith(refD1()), nil)
	item := map[string]any{"PositionId": "D2"}
	merged, hit := e.Merge(item)
	if hit {
		t.Fatal("expected miss")
	}
	if _, ok := merged.(map[string]any)["PositionBase"]; ok {
		t.Fatal("miss must forward the raw item")
	}
}

func TestProcessRendersTemplate(t *testing.T) {
	frames := config.FramesConfig{IngestTemplate: map[string]any{
		"type":      "tick",
		"dealId":    "{{item.PositionId}}",
		"epic":      "{{item.DisplayAndFormat.Symbol}}",
		"size":      "{{abs({{item.PositionBase.Amount}})}}",
		"direction": "{{sign(item.PositionBase.Amount, \"BUY\", \"SELL\")}}",
		"account":   "{{Vars.AccountId}}",
	}}
	vars := template.NewVars(map[string]string{"AccountId": "ACC1"})
	e := NewEnricher("saxo", frames, storeWith(refD1()), vars)

	doc, err := e.Process(map[string]any{"PositionId": "D1"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	m := doc.(map[string]any)
	if m["dealId"] != "D1" || m["epic"] != "EURUSD" || m["account"] != "ACC1" {
		t.Fatalf("unexpected doc %v", m)
	}
	if m["size"] != json.Number("2") {
		t.Fatalf("expected numeric size 2, got %#v", m["size"])
	}
	if m["direction"] != "SELL" {
		t.Fatalf("unexpected direction %v", m["direction"])
	}
}

func TestProcessDropsWithoutDealID(t *testing.T) {
	frames := config.FramesConfig{IngestTemplate: map[string]any{"dealId": "{{item.Missing}}"}}
	e := NewEnricher("saxo", frames, storeWith(), nil)
	if _, err := e.Process(map[string]any{"PositionId": "D1"}); !errors.Is(err, ErrNoDealID) {
		t.Fatalf("expected ErrNoDealID, got %v", err)
	}

	raw := NewEnricher("saxo", config.FramesConfig{}, storeWith(), nil)
	if _, err := raw.Process(map[string]any{"Bid": 1}); !errors.Is(err, ErrNoDealID) {
		t.Fatalf("expected ErrNoDealID for raw item, got %v", err)
	}
	if doc, err := raw.Process(map[string]any{"DealId": "X"}); err != nil || doc == nil {
		t.Fatalf("raw item with identity must pass, got %v %v", doc, err)
	}
}
