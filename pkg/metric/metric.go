// Package metric holds the records shared between the store and the analytics engines.
package metric

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source is a named logical origin of events.
type Source struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// RawEvent is the verbatim audit record of one received row.
type RawEvent struct {
	ID          int64           `db:"id" json:"id"`
	SourceID    int64           `db:"source_id" json:"source_id"`
	BatchID     string          `db:"batch_id" json:"batch_id"`
	RowIndex    int             `db:"row_index" json:"row_index"`
	ReceivedAt  time.Time       `db:"received_at" json:"received_at"`
	Filename    string          `db:"filename" json:"filename"`
	ContentType string          `db:"content_type" json:"content_type"`
	Payload     json.RawMessage `db:"-" json:"payload"`
}

// CleanEvent is a normalized, deduplicated fact.
type CleanEvent struct {
	ID        int64     `db:"id" json:"id"`
	SourceID  int64     `db:"source_id" json:"source_id"`
	Timestamp time.Time `db:"ts" json:"ts"`
	Metric    string    `db:"metric" json:"metric"`
	Value     float64   `db:"value" json:"value"`
}

// DailyAggregate is one rollup row keyed by (metric_date, source_id, metric).
type DailyAggregate struct {
	MetricDate    Day     `db:"metric_date" json:"metric_date"`
	SourceID      int64   `db:"source_id" json:"source_id"`
	Metric        string  `db:"metric" json:"metric"`
	ValueSum      float64 `db:"value_sum" json:"value_sum"`
	ValueAvg      float64 `db:"value_avg" json:"value_avg"`
	ValueCount    int64   `db:"value_count" json:"value_count"`
	ValueDistinct *int64  `db:"value_distinct" json:"value_distinct"`
}

// ValueField selects which aggregate column feeds an analytics series.
type ValueField string

const (
	FieldSum      ValueField = "value_sum"
	FieldAvg      ValueField = "value_avg"
	FieldCount    ValueField = "value_count"
	FieldDistinct ValueField = "value_distinct"
)

// ParseValueField validates a value field name. Empty means value_sum.
func ParseValueField(s string) (ValueField, error) {
	switch ValueField(s) {
	case "":
		return FieldSum, nil
	case FieldSum, FieldAvg, FieldCount, FieldDistinct:
		return ValueField(s), nil
	}
	return "", fmt.Errorf("unknown value field %q", s)
}

// Pick returns the selected field, and false when it is absent.
func (a DailyAggregate) Pick(f ValueField) (float64, bool) {
	switch f {
	case FieldAvg:
		return a.ValueAvg, true
	case FieldCount:
		return float64(a.ValueCount), true
	case FieldDistinct:
		if a.ValueDistinct == nil {
			return 0, false
		}
		return float64(*a.ValueDistinct), true
	default:
		return a.ValueSum, true
	}
}

// ForecastPoint is one predicted day.
type ForecastPoint struct {
	SourceID     int64   `db:"source_id" json:"source_id"`
	Metric       string  `db:"metric" json:"metric"`
	TargetDate   Day     `db:"target_date" json:"target_date"`
	Yhat         float64 `db:"yhat" json:"yhat"`
	YhatLower    float64 `db:"yhat_lower" json:"yhat_lower"`
	YhatUpper    float64 `db:"yhat_upper" json:"yhat_upper"`
	ModelVersion string  `db:"model_version" json:"model_version"`
}

// ForecastHealth is the last known accuracy of a training configuration.
type ForecastHealth struct {
	SourceID   int64     `db:"source_id" json:"source_id"`
	Metric     string    `db:"metric" json:"metric"`
	WindowN    int       `db:"window_n" json:"window_n"`
	HorizonN   int       `db:"horizon_n" json:"horizon_n"`
	MAPE       float64   `db:"mape" json:"mape"`
	TrainedAt  time.Time `db:"trained_at" json:"trained_at"`
	TrainStart Day       `db:"train_start" json:"train_start"`
	TrainEnd   Day       `db:"train_end" json:"train_end"`
}

// ReliabilitySnapshot is the outcome of one backtest run.
type ReliabilitySnapshot struct {
	ID         int64             `db:"id" json:"id"`
	SourceName string            `db:"source_name" json:"source_name"`
	Metric     string            `db:"metric" json:"metric"`
	AsOfDate   Day               `db:"as_of_date" json:"as_of_date"`
	Score      int               `db:"score" json:"score"`
	MAPE       float64           `db:"mape" json:"mape"`
	RMSE       float64           `db:"rmse" json:"rmse"`
	SMAPE      float64           `db:"smape" json:"smape"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
	Folds      []ReliabilityFold `db:"-" json:"folds"`
}

// ReliabilityFold holds the error metrics of one backtest fold.
type ReliabilityFold struct {
	ID         int64   `db:"id" json:"-"`
	SnapshotID int64   `db:"snapshot_id" json:"-"`
	FoldIndex  int     `db:"fold_index" json:"fold_index"`
	MAE        float64 `db:"mae" json:"mae"`
	RMSE       float64 `db:"rmse" json:"rmse"`
	MAPE       float64 `db:"mape" json:"mape"`
	SMAPE      float64 `db:"smape" json:"smape"`
	Bias       float64 `db:"bias" json:"bias"`
}
