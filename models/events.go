package models

import (
	"encoding/json"
	"strings"
	"time"

	"brokerstream/internal/jsonpath"
)

const (
	TypeSnapshot = "snapshot"
	TypeTick     = "tick"
	TypeClosed   = "closed"
)

// Snapshot registers or replaces a position downstream.
type Snapshot struct {
	Type          string  `json:"type"`
	DealID        string  `json:"dealId"`
	Epic          string  `json:"epic"`
	Direction     string  `json:"direction"`
	Size          float64 `json:"size"`
	OpenLevel     float64 `json:"openLevel"`
	Currency      string  `json:"currency"`
	Broker        string  `json:"broker"`
	Account       string  `json:"account"`
	ValuePerPoint float64 `json:"valuePerPoint"`
	ScalingFactor float64 `json:"scalingFactor"`
}

// Tick carries a price update for one position. Bid and Ask are optional.
type Tick struct {
	Type         string    `json:"type"`
	DealID       string    `json:"dealId"`
	Epic         string    `json:"epic"`
	Bid          *float64  `json:"bid,omitempty"`
	Ask          *float64  `json:"ask,omitempty"`
	TimestampUTC time.Time `json:"timestampUtc"`
}

// Closed removes a position downstream.
type Closed struct {
	Type   string `json:"type"`
	Broker string `json:"broker"`
	DealID string `json:"dealId"`
	Epic   string `json:"epic"`
}

// EventRecord is the archived form of anything handed to the ingest sink.
type EventRecord struct {
	Broker    string
	Type      string
	DealID    string
	Epic      string
	Payload   []byte
	Timestamp time.Time
}

// Describe extracts type, dealId and epic from a typed event or a rendered
// document. Unknown shapes return empty strings.
func Describe(event any) (kind, dealID, epic string) {
	switch e := event.(type) {
	case Snapshot:
		return TypeSnapshot, e.DealID, e.Epic
	case *Snapshot:
		return TypeSnapshot, e.DealID, e.Epic
	case Tick:
		return TypeTick, e.DealID, e.Epic
	case *Tick:
		return TypeTick, e.DealID, e.Epic
	case Closed:
		return TypeClosed, e.DealID, e.Epic
	case *Closed:
		return TypeClosed, e.DealID, e.Epic
	case map[string]any:
		kind = strings.ToLower(jsonpath.SelectString(e, "type"))
		return kind, jsonpath.SelectString(e, "dealId"), jsonpath.SelectString(e, "epic")
	}
	return "", "", ""
}

// NewEventRecord encodes event for archiving.
func NewEventRecord(broker string, event any) (EventRecord, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return EventRecord{}, err
	}
	kind, dealID, epic := Describe(event)
	if kind == "" {
		kind = "raw"
	}
	return EventRecord{
		Broker:    broker,
		Type:      kind,
		DealID:    dealID,
		Epic:      epic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}, nil
}
