package rollup

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/pkg/metric"
)

// Agg picks which aggregate feeds the unified value of a daily row.
type Agg string

const (
	AggSum   Agg = "sum"
	AggAvg   Agg = "avg"
	AggCount Agg = "count"
)

// ParseAgg validates an aggregation name. Empty means sum.
func ParseAgg(s string) (Agg, error) {
	switch a := Agg(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return AggSum, nil
	case AggSum, AggAvg, AggCount:
		return a, nil
	}
	return "", fmt.Errorf("%w: agg %q (want sum, avg or count)", ErrInvalidField, s)
}

// DailyRequest selects stored daily rows.
type DailyRequest struct {
	SourceID   int64
	SourceName string
	Metric     string
	Start      metric.Day
	End        metric.Day
	Agg        Agg
	Limit      int
}

// DailyRow is a stored aggregate plus the value chosen by the request's Agg.
type DailyRow struct {
	metric.DailyAggregate
	Value float64 `json:"value"`
}

// Daily lists stored aggregates ordered by date.
func (a *Aggregator) Daily(ctx context.Context, req DailyRequest) ([]DailyRow, error) {
	agg, err := ParseAgg(string(req.Agg))
	if err != nil {
		return nil, err
	}
	srcID, err := a.sourceID(ctx, req.SourceID, req.SourceName)
	if err != nil {
		return nil, err
	}

	rows, err := a.store.ListDailyAggregates(ctx, store.DailyQuery{
		SourceID: srcID,
		Metric:   req.Metric,
		Start:    req.Start,
		End:      req.End,
		Limit:    req.Limit,
	})
	if err != nil {
		return nil, err
	}

	out := make([]DailyRow, 0, len(rows))
	for _, r := range rows {
		if r.ValueCount > 0 {
			r.ValueAvg = r.ValueSum / float64(r.ValueCount)
		}
		row := DailyRow{DailyAggregate: r}
		switch agg {
		case AggAvg:
			row.Value = r.ValueAvg
		case AggCount:
			row.Value = float64(r.ValueCount)
		default:
			row.Value = r.ValueSum
		}
		out = append(out, row)
	}
	return out, nil
}

// MetricNames lists the distinct aggregated metrics of a source.
func (a *Aggregator) MetricNames(ctx context.Context, sourceName string) ([]string, error) {
	src, err := a.store.SourceByName(ctx, sourceName)
	if err != nil {
		return nil, err
	}
	names, err := a.store.ListMetricNames(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// CSVHeader is the column order of ExportCSV.
var CSVHeader = []string{"metric_date", "source_id", "metric", "value", "value_count", "value_sum", "value_avg"}

// ExportCSV writes the selected daily rows as CSV with CSVHeader. The value column follows req.Agg.
func (a *Aggregator) ExportCSV(ctx context.Context, w io.Writer, req DailyRequest) error {
	rows, err := a.Daily(ctx, req)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.MetricDate.String(),
			strconv.FormatInt(r.SourceID, 10),
			r.Metric,
			formatFloat(r.Value),
			strconv.FormatInt(r.ValueCount, 10),
			formatFloat(r.ValueSum),
			formatFloat(r.ValueAvg),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (a *Aggregator) sourceID(ctx context.Context, id int64, name string) (int64, error) {
	if id > 0 {
		return id, nil
	}
	if strings.TrimSpace(name) == "" {
		return 0, fmt.Errorf("%w: source_id or source_name is required", ErrInvalidField)
	}
	src, err := a.store.SourceByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return 0, err
	}
	return src.ID, nil
}
