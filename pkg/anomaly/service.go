package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/elonfeng/kpiradar/internal/metrics"
	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ErrInvalidParams is returned when detector parameters are out of range.
var ErrInvalidParams = errors.New("invalid anomaly parameters")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Point is the per-day outcome of a detector. Score is nil when the point could not be scored.
type Point struct {
	Date      metric.Day `json:"date"`
	Value     float64    `json:"value"`
	Score     *float64   `json:"score"`
	IsOutlier bool       `json:"is_outlier"`
}

// ZScoreRequest selects a series for the rolling z-score detector.
type ZScoreRequest struct {
	SourceName string `validate:"required"`
	Metric     string `validate:"required"`
	Start      metric.Day
	End        metric.Day
	Window     int               `validate:"min=2,max=365"`
	Threshold  float64           `validate:"gt=0"`
	Field      metric.ValueField `validate:"omitempty,oneof=value_sum value_avg value_count value_distinct"`
}

// ForestRequest selects a series for the isolation forest detector.
type ForestRequest struct {
	SourceName    string `validate:"required"`
	Metric        string `validate:"required"`
	Start         metric.Day
	End           metric.Day
	Contamination float64 `validate:"min=0.001,max=0.5"`
	NEstimators   int     `validate:"min=10,max=1000"`
	Seed          uint64
	Field         metric.ValueField `validate:"omitempty,oneof=value_sum value_avg value_count value_distinct"`
}

// Service runs the detectors over stored daily aggregates.
type Service struct {
	store store.Store
	log   *zap.Logger
}

// NewService creates a Service over s.
func NewService(s store.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: s, log: log}
}

// Rolling runs the rolling z-score detector.
func (s *Service) Rolling(ctx context.Context, req ZScoreRequest) ([]Point, error) {
	if req.Window == 0 {
		req.Window = DefaultWindow
	}
	if req.Threshold == 0 {
		req.Threshold = DefaultThreshold
	}
	if err := check(req); err != nil {
		return nil, err
	}

	days, values, err := s.series(ctx, req.SourceName, req.Metric, req.Start, req.End, req.Field)
	if err != nil {
		return nil, err
	}
	points := toPoints(days, values, RollingZ(values, req.Window, req.Threshold))
	s.record("zscore", req.SourceName, req.Metric, points)
	return points, nil
}

// IsolationForest runs the isolation forest detector. The model is fitted and scored on the
// same series.
func (s *Service) IsolationForest(ctx context.Context, req ForestRequest) ([]Point, error) {
	if req.Contamination == 0 {
		req.Contamination = DefaultContamination
	}
	if req.NEstimators == 0 {
		req.NEstimators = DefaultEstimators
	}
	if err := check(req); err != nil {
		return nil, err
	}

	days, values, err := s.series(ctx, req.SourceName, req.Metric, req.Start, req.End, req.Field)
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if math.IsNaN(v) {
			values[i] = 0
		}
	}
	scores := IsolationScores(values, ForestParams{
		Contamination: req.Contamination,
		NEstimators:   req.NEstimators,
		Seed:          req.Seed,
	})
	points := toPoints(days, values, scores)
	s.record("iforest", req.SourceName, req.Metric, points)
	return points, nil
}

func check(req any) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s=%s)", fe.Field(), fe.Tag(), fe.Param()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// series loads the selected field in date order. Missing values are NaN.
func (s *Service) series(ctx context.Context, sourceName, metricName string, start, end metric.Day, field metric.ValueField) ([]metric.Day, []float64, error) {
	if field == "" {
		field = metric.FieldSum
	}
	src, err := s.store.SourceByName(ctx, strings.TrimSpace(sourceName))
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.store.ListDailyAggregates(ctx, store.DailyQuery{SourceID: src.ID, Metric: metricName, Start: start, End: end})
	if err != nil {
		return nil, nil, fmt.Errorf("anomaly series %s/%s: %w", sourceName, metricName, err)
	}

	days := make([]metric.Day, len(rows))
	values := make([]float64, len(rows))
	for i, r := range rows {
		days[i] = r.MetricDate
		if field == metric.FieldAvg && r.ValueCount > 0 {
			r.ValueAvg = r.ValueSum / float64(r.ValueCount)
		}
		v, ok := r.Pick(field)
		if !ok {
			v = math.NaN()
		}
		values[i] = v
	}
	return days, values, nil
}

func toPoints(days []metric.Day, values []float64, scores []Score) []Point {
	points := make([]Point, len(days))
	for i, d := range days {
		p := Point{Date: d, Value: values[i]}
		if math.IsNaN(p.Value) {
			p.Value = 0
		}
		if sc := scores[i]; sc.Valid {
			v := sc.Value
			p.Score = &v
			p.IsOutlier = sc.Outlier
		}
		points[i] = p
	}
	return points
}

func (s *Service) record(detector, sourceName, metricName string, points []Point) {
	var flagged int
	for _, p := range points {
		if p.IsOutlier {
			flagged++
		}
	}
	metrics.AnomaliesFlagged.WithLabelValues(detector).Add(float64(flagged))
	s.log.Debug("anomaly scan",
		zap.String("detector", detector),
		zap.String("source", sourceName),
		zap.String("metric", metricName),
		zap.Int("points", len(points)),
		zap.Int("flagged", flagged),
	)
}
