// Package normalize maps loosely-typed input rows onto canonical (timestamp, metric, value) triples.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Reason classifies why a row could not be normalized.
type Reason string

const (
	ReasonInvalidTimestamp Reason = "missing_or_invalid_timestamp"
	ReasonInvalidValue     Reason = "missing_or_invalid_value"
	ReasonMissingMetric    Reason = "missing_metric"
	ReasonMalformed        Reason = "malformed_record"
)

// malformedKey marks a row that could not be decoded at all. The verbatim text is kept under it.
const malformedKey = "_malformed"

var (
	timestampKeys = []string{"timestamp", "time", "date", "datetime"}
	valueKeys     = []string{"value", "amount", "count", "qty", "quantity"}
	metricKeys    = []string{"metric", "name", "metric_name"}
)

// Row is one raw input record with arbitrary column names.
type Row map[string]any

// MalformedRow wraps text that failed to decode so it still reaches the audit trail.
func MalformedRow(text string) Row {
	return Row{malformedKey: text}
}

// Malformed reports whether the row came from an undecodable line.
func (r Row) Malformed() bool {
	_, ok := r[malformedKey]
	return ok && len(r) == 1
}

// Result is either a normalized triple or a classified failure.
type Result struct {
	Timestamp time.Time
	Metric    string
	Value     float64
	Reason    Reason
}

// OK reports whether the row normalized successfully.
func (r Result) OK() bool { return r.Reason == "" }

// Normalize resolves the row's columns and coerces them. It never fails; bad input yields a Reason.
func Normalize(row Row, defaultMetric string) Result {
	if row.Malformed() {
		return Result{Reason: ReasonMalformed}
	}

	lower := make(map[string]string, len(row))
	for k := range row {
		lk := strings.ToLower(strings.TrimSpace(k))
		if _, dup := lower[lk]; !dup {
			lower[lk] = k
		}
	}

	rawTS, ok := lookup(row, lower, timestampKeys)
	if !ok {
		return Result{Reason: ReasonInvalidTimestamp}
	}
	ts, err := ParseTimestamp(rawTS)
	if err != nil {
		return Result{Reason: ReasonInvalidTimestamp}
	}

	rawVal, ok := lookup(row, lower, valueKeys)
	if !ok {
		return Result{Reason: ReasonInvalidValue}
	}
	val, err := ParseValue(rawVal)
	if err != nil {
		return Result{Reason: ReasonInvalidValue}
	}

	metric := ""
	if rawMetric, ok := lookup(row, lower, metricKeys); ok {
		metric = metricString(rawMetric)
	}
	if metric == "" {
		metric = strings.TrimSpace(defaultMetric)
	}
	if metric == "" {
		return Result{Reason: ReasonMissingMetric}
	}

	return Result{Timestamp: ts, Metric: metric, Value: val}
}

// lookup returns the value of the first synonym present in the row.
func lookup(row Row, lower map[string]string, synonyms []string) (any, bool) {
	for _, key := range synonyms {
		orig, ok := lower[key]
		if !ok {
			continue
		}
		v := row[orig]
		if v == nil {
			return nil, false
		}
		return v, true
	}
	return nil, false
}

func metricString(v any) string {
	switch m := v.(type) {
	case string:
		return strings.TrimSpace(m)
	case fmt.Stringer:
		return strings.TrimSpace(m.String())
	case float64, float32, int, int64, int32, json.Number, bool:
		return strings.TrimSpace(fmt.Sprint(m))
	}
	return ""
}

// ParseValue coerces v to a finite float64.
func ParseValue(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		p, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("parse value %q: %w", n, err)
		}
		f = p
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, fmt.Errorf("parse value: empty")
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("parse value %q: %w", s, err)
		}
		f = p
	default:
		return 0, fmt.Errorf("parse value: unsupported type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("parse value: not finite")
	}
	return f, nil
}
