package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"brokerstream/config"
	"brokerstream/internal/jsonpath"
	"brokerstream/models"
)

var defaultDirections = map[string]string{
	"SELL":  models.DirectionSell,
	"ASK":   models.DirectionSell,
	"SHORT": models.DirectionSell,
	"S":     models.DirectionSell,
	"BUY":   models.DirectionBuy,
	"BID":   models.DirectionBuy,
	"LONG":  models.DirectionBuy,
	"B":     models.DirectionBuy,
}

// NormalizeDirection maps a broker's direction value to BUY or SELL. The
// broker table wins over the defaults; unknown values are BUY and an empty
// value returns "".
func NormalizeDirection(raw string, table map[string]string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for k, v := range table {
		if strings.EqualFold(k, raw) {
			if strings.EqualFold(v, models.DirectionSell) {
				return models.DirectionSell
			}
			return models.DirectionBuy
		}
	}
	if d, ok := defaultDirections[strings.ToUpper(raw)]; ok {
		return d
	}
	return models.DirectionBuy
}

// parsePositions turns a base-position response into reference positions.
// Rows without a dealId are skipped; a later row wins on duplicate ids.
func parsePositions(doc any, cfg config.BrokerConfig, account string, now time.Time) (map[string]models.ReferencePosition, int, error) {
	p := cfg.BasePositions.JSONPaths
	node := doc
	if strings.TrimSpace(p.Array) != "" {
		v, ok := jsonpath.Select(doc, p.Array)
		if !ok {
			return nil, 0, fmt.Errorf("no array at '%s'", p.Array)
		}
		node = v
	}
	rows, ok := node.([]any)
	if !ok {
		return nil, 0, fmt.Errorf("'%s' is not an array", p.Array)
	}

	out := make(map[string]models.ReferencePosition, len(rows))
	skipped := 0
	for _, row := range rows {
		dealID := jsonpath.SelectString(row, p.DealID)
		if strings.TrimSpace(dealID) == "" {
			skipped++
			continue
		}
		pos := models.ReferencePosition{
			Broker:        cfg.Name,
			Account:       account,
			DealID:        dealID,
			Epic:          jsonpath.SelectString(row, p.Epic),
			Amount:        decimalAt(row, p.Amount, decimal.Zero),
			OpenLevel:     decimalAt(row, p.OpenLevel, decimal.Zero),
			Currency:      jsonpath.SelectString(row, p.Currency),
			Uic:           jsonpath.SelectString(row, p.Uic),
			ValuePerPoint: decimalAt(row, p.ValuePerPoint, decimal.NewFromInt(1)),
			ScalingFactor: decimalAt(row, p.ScalingFactor, decimal.NewFromInt(1)),
			UpdatedAt:     now,
		}
		if pos.Currency == "" {
			pos.Currency = "USD"
		}
		if p.Account != "" {
			if acc := jsonpath.SelectString(row, p.Account); acc != "" {
				pos.Account = acc
			}
		}
		pos.Direction = NormalizeDirection(jsonpath.SelectString(row, p.Direction), cfg.Directions)
		if pos.Direction == "" {
			pos.Direction = models.DirectionBuy
			if pos.Amount.IsNegative() {
				pos.Direction = models.DirectionSell
			}
		}
		out[models.Key(dealID)] = pos
	}
	return out, skipped, nil
}

func decimalAt(row any, path string, fallback decimal.Decimal) decimal.Decimal {
	if path == "" {
		return fallback
	}
	s := jsonpath.SelectString(row, path)
	if s == "" {
		return fallback
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fallback
	}
	return d
}

// Diff compares two reference sets keyed by models.Key. closed holds the
// previous entries that vanished, opened the new entries that were not known.
// Both are ordered by dealId.
func Diff(prev, next map[string]models.ReferencePosition) (closed, opened []models.ReferencePosition) {
	for k, p := range prev {
		if _, ok := next[k]; !ok {
			closed = append(closed, p)
		}
	}
	for k, p := range next {
		if _, ok := prev[k]; !ok {
			opened = append(opened, p)
		}
	}
	sortPositions(closed)
	sortPositions(opened)
	return closed, opened
}

func sortPositions(ps []models.ReferencePosition) {
	sort.Slice(ps, func(i, j int) bool { return models.Key(ps[i].DealID) < models.Key(ps[j].DealID) })
}

func positionList(m map[string]models.ReferencePosition) []models.ReferencePosition {
	out := make([]models.ReferencePosition, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sortPositions(out)
	return out
}
