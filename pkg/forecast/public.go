package forecast

import (
	"slices"

	"github.com/elonfeng/kpiradar/pkg/metric"
)

// PublicLength is the fixed size of the externally visible forecast series.
const PublicLength = 7

// PublicPoint is one day of the externally visible forecast.
type PublicPoint struct {
	MetricDate string  `json:"metric_date"`
	Metric     string  `json:"metric"`
	Yhat       float64 `json:"yhat"`
	YhatLower  float64 `json:"yhat_lower"`
	YhatUpper  float64 `json:"yhat_upper"`
}

// Public shapes stored points into exactly PublicLength days at UTC midnight, ordered by date.
// Non-finite numbers become 0, swapped bounds are reordered, extra days are dropped and
// missing days are padded forward with zeros. An empty input pads from the day after reference.
func Public(points []metric.ForecastPoint, metricName string, reference metric.Day) []PublicPoint {
	sorted := slices.Clone(points)
	slices.SortStableFunc(sorted, func(a, b metric.ForecastPoint) int {
		return a.TargetDate.Time().Compare(b.TargetDate.Time())
	})
	if len(sorted) > PublicLength {
		sorted = sorted[:PublicLength]
	}

	out := make([]PublicPoint, 0, PublicLength)
	last := reference
	for _, p := range sorted {
		lower, upper := finite(p.YhatLower), finite(p.YhatUpper)
		if lower > upper {
			lower, upper = upper, lower
		}
		out = append(out, PublicPoint{
			MetricDate: p.TargetDate.Midnight(),
			Metric:     metricName,
			Yhat:       finite(p.Yhat),
			YhatLower:  lower,
			YhatUpper:  upper,
		})
		last = p.TargetDate
	}
	for len(out) < PublicLength {
		last = last.AddDays(1)
		out = append(out, PublicPoint{MetricDate: last.Midnight(), Metric: metricName})
	}
	return out
}
