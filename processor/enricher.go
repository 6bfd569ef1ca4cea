package processor

import (
	"encoding/json"
	"errors"

	"brokerstream/config"
	"brokerstream/internal/jsonpath"
	"brokerstream/internal/template"
	"brokerstream/logger"
	"brokerstream/models"
)

// ErrNoDealID marks an item or rendered document without a usable dealId.
var ErrNoDealID = errors.New("missing dealId")

// References is the read side of the reference store.
type References interface {
	Get(broker, dealID string) (models.ReferencePosition, bool)
}

// Enricher joins streamed items with their reference position and renders
// the broker's ingest template. It holds no mutable state.
type Enricher struct {
	broker   string
	identity []string
	ingest   any
	refs     References
	vars     template.VarSource
	log      *logger.Log
}

// NewEnricher builds the per-broker enrichment step. vars is the session
// scope used by {{Vars.*}} in the ingest template.
func NewEnricher(broker string, frames config.FramesConfig, refs References, vars template.VarSource) *Enricher {
	identity := frames.IdentityFields
	if len(identity) == 0 {
		identity = config.DefaultIdentityFields
	}
	identity = append(append([]string(nil), identity...), "dealId", "positionId")
	return &Enricher{
		broker:   broker,
		identity: identity,
		ingest:   frames.IngestTemplate,
		refs:     refs,
		vars:     vars,
		log:      logger.GetLogger(),
	}
}

// Identity returns the dealId of an item, trying candidate fields in order.
func (e *Enricher) Identity(item any) (string, bool) {
	id, _, ok := jsonpath.First(item, e.identity)
	return id, ok
}

// Merge returns a deep copy of item carrying the reference data for its
// dealId. On a miss the item itself is returned with hit == false.
func (e *Enricher) Merge(item any) (merged any, hit bool) {
	obj, ok := item.(map[string]any)
	if !ok {
		return item, false
	}
	id, ok := e.Identity(obj)
	if !ok || e.refs == nil {
		return item, false
	}
	ref, ok := e.refs.Get(e.broker, id)
	if !ok {
		return item, false
	}

	clone := jsonpath.Clone(obj).(map[string]any)
	side := "Buy"
	if ref.IsSell() {
		side = "Sell"
	}

	var uic any
	if ref.Uic != "" {
		uic = number(ref.Uic)
	}
	jsonpath.Set(clone, "PositionBase", map[string]any{
		"Broker":    e.broker,
		"Account":   ref.Account,
		"DealId":    ref.DealID,
		"Amount":    json.Number(ref.Amount.String()),
		"OpenPrice": json.Number(ref.OpenLevel.String()),
		"Uic":       uic,
		"BuySell":   side,
	})
	jsonpath.Set(clone, "DisplayAndFormat", map[string]any{
		"Symbol":   ref.Epic,
		"Currency": ref.Currency,
	})
	jsonpath.Set(clone, "Direction", side)
	jsonpath.Set(clone, "ValuePerPoint", json.Number(ref.ValuePerPoint.String()))
	jsonpath.Set(clone, "ScalingFactor", json.Number(ref.ScalingFactor.String()))
	setIfAbsent(clone, "Currency", ref.Currency)
	setIfAbsent(clone, "Epic", ref.Epic)
	setIfAbsent(clone, "OpenLevel", json.Number(ref.OpenLevel.String()))
	return clone, true
}

// Process merges an item and renders it into the document sent to the sink.
// Without an ingest template the merged item is forwarded as is. Documents
// without a dealId are rejected with ErrNoDealID.
func (e *Enricher) Process(item any) (any, error) {
	merged, hit := e.Merge(item)
	if !hit {
		e.log.WithBroker("enricher", e.broker).Debug("no reference position for item")
	}

	if e.ingest == nil {
		if _, ok := e.Identity(merged); !ok {
			return nil, ErrNoDealID
		}
		return merged, nil
	}

	doc := template.Render(e.ingest, e.vars, merged)
	if !jsonpath.Has(doc, "dealId") {
		return nil, ErrNoDealID
	}
	return doc, nil
}

func setIfAbsent(obj map[string]any, key string, value any) {
	if jsonpath.Has(obj, key) {
		return
	}
	if s, ok := value.(string); ok && s == "" {
		return
	}
	jsonpath.Set(obj, key, value)
}

// number keeps numeric identifiers numeric in the merged tree.
func number(s string) any {
	if jsonpath.FormatNumber(s) == s {
		if _, err := json.Number(s).Float64(); err == nil {
			return json.Number(s)
		}
	}
	return s
}
