package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/elonfeng/kpiradar/pkg/anomaly"
	"github.com/elonfeng/kpiradar/pkg/forecast"
	"github.com/elonfeng/kpiradar/pkg/ingest"
	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/elonfeng/kpiradar/pkg/reliability"
	"github.com/elonfeng/kpiradar/pkg/rollup"
)

// DefaultMetric names rows that carry no metric column when the caller gives no default.
const DefaultMetric = "events_total"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	meta := s.meta("", "", nil)
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.fail(w, r, fmt.Errorf("ping store: %w", err), meta)
		return
	}
	s.ok(w, map[string]string{"status": "ok", "dialect": s.deps.Store.Dialect().Name}, meta)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	meta := s.meta("", "", nil)
	sources, err := s.deps.Store.ListSources(r.Context())
	if err != nil {
		s.fail(w, r, err, meta)
		return
	}
	if sources == nil {
		sources = []metric.Source{}
	}
	s.ok(w, sources, meta)
}

type ingestResponse struct {
	*ingest.Stats
	Kind   ingest.Kind    `json:"kind"`
	Rollup *rollup.Result `json:"rollup,omitempty"`
}

// handleIngest accepts a raw CSV, JSON or NDJSON body, or a multipart form with a "file" part.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	source := q.required("source_name")
	defaultMetric := q.str("default_metric")
	strict := q.boolean("strict")
	recompute := q.boolean("rollup")
	explicitKind := q.str("kind")
	meta := s.meta(source, "", map[string]any{"default_metric": defaultMetric, "strict": strict, "kind": explicitKind})
	if q.err != nil {
		s.fail(w, r, q.err, meta)
		return
	}
	if defaultMetric == "" {
		defaultMetric = DefaultMetric
	}

	body, filename, contentType, err := s.uploadBody(w, r)
	if err != nil {
		s.fail(w, r, err, meta)
		return
	}

	br := bufio.NewReaderSize(body, 64*1024)
	head, _ := br.Peek(512)
	if len(bytes.TrimSpace(head)) == 0 {
		s.fail(w, r, fmt.Errorf("%w: nothing to ingest", errEmptyBody), meta)
		return
	}

	kind := ingest.DetectKind(contentType, filename, head)
	if explicitKind != "" {
		k, ok := ingest.ParseKind(explicitKind)
		if !ok {
			s.fail(w, r, fmt.Errorf("%w: kind must be csv, json or ndjson", errBadRequest), meta)
			return
		}
		kind = k
	}

	stats, err := s.deps.Pipeline.Ingest(r.Context(), ingest.Request{
		SourceName:    source,
		DefaultMetric: defaultMetric,
		Filename:      filename,
		ContentType:   contentType,
		Strict:        strict,
		Rows:          ingest.ReadRows(br, kind),
	})
	if err != nil {
		s.fail(w, r, err, meta)
		return
	}

	resp := ingestResponse{Stats: stats, Kind: kind}
	if start, end, ok := stats.Days(); ok && recompute {
		res, err := s.deps.Rollup.Run(r.Context(), rollup.Request{SourceID: stats.SourceID, Start: start, End: end})
		if err != nil {
			s.fail(w, r, err, meta)
			return
		}
		resp.Rollup = res
	}
	s.ok(w, resp, meta)
}

// uploadBody returns the payload reader with its file name and declared content type.
func (s *Server) uploadBody(w http.ResponseWriter, r *http.Request) (io.Reader, string, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	contentType := r.Header.Get("Content-Type")

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "multipart/form-data" {
		return r.Body, "", contentType, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", errBadRequest, err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", "", fmt.Errorf("%w: no 'file' part in multipart form", errBadRequest)
		}
		if err != nil {
			return nil, "", "", fmt.Errorf("%w: %v", errBadRequest, err)
		}
		if part.FormName() == "file" {
			return part, part.FileName(), part.Header.Get("Content-Type"), nil
		}
	}
}

func (s *Server) handleKPIRun(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	req := rollup.Request{
		SourceID:      q.id("source_id"),
		SourceName:    q.str("source_name"),
		Metric:        q.str("metric"),
		Start:         q.day("start_date"),
		End:           q.day("end_date"),
		DistinctField: q.str("distinct_field"),
	}
	meta := s.meta(req.SourceName, req.Metric, map[string]any{
		"start_date": q.str("start_date"), "end_date": q.str("end_date"), "distinct_field": req.DistinctField,
	})
	if q.err != nil {
		s.fail(w, r, q.err, meta)
		return
	}

	res, err := s.deps.Rollup.Run(r.Context(), req)
	if err != nil {
		s.fail(w, r, err, meta)
		return
	}
	s.ok(w, res, meta)
}

func dailyRequest(q *query) rollup.DailyRequest {
	return rollup.DailyRequest{
		SourceID:   q.id("source_id"),
		SourceName: q.str("source_name"),
		Metric:     q.str("metric"),
		Start:      q.day("start_date"),
		End:        q.day("end_date"),
		Agg:        rollup.Agg(q.str("agg")),
		Limit:      q.integer("limit", 0),
	}
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	req := dailyRequest(q)
	meta := s.meta(req.SourceName, req.Metric, map[string]any{
		"start_date": q.str("start_date"), "end_date": q.str("end_date"), "agg": string(req.Agg), "limit": q.str("limit"),
	})
	if q.err != nil {
		s.fail(w, r, q.err, meta)
		return
	}

	rows, err := s.deps.Rollup.Daily(r.Context(), req)
	if err != nil {
		s.fail(w, r, err, meta)
		return
	}
	s.ok(w, rows, meta)
}

func (s *Server) handleMetricNames(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	source := q.required("source_name")
	meta := s.meta(source, "", nil)
	if q.err != nil {
		s.fail(w, r, q.err, meta)
		return
	}

	names, err := s.deps.Rollup.MetricNames(r.Context(), source)
	if err != nil {
		s.fail(w, r, err, meta)
		return
	}
	s.ok(w, names, meta)
}

// handleExport streams CSV. Errors before the first byte still use the JSON envelope.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	req := dailyRequest(q)
	meta := s.meta(req.SourceName, req.Metric, nil)
	if q.err != nil {
		s.fail(w, r, q.err, meta)
		return
	}

	var buf bytes.Buffer
	if err := s.deps.Rollup.ExportCSV(r.Context(), &buf, req); err != nil {
		s.fail(w, r, err, meta)
		return
	}

	name := strings.Trim(strings.Join([]string{req.SourceName, req.Metric, "daily"}, "_"), "_")
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, name))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleForecastDaily(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	req := forecast.Request{
		SourceName: q.required("source_name"),
		Metric:     q.required("metric"),
		Horizon:    q.integer("horizon", forecast.DefaultHorizon),
		EndDate:    q.day("end_date"),
	}
	meta := s.meta(req.SourceName, req.Metric, map[string]any{"horizon": req.Horizon, "end_date": q.str("end_date")})
	if q.err != nil {
		s.fail(w, r, q.err, meta)
		return
	}

	points, err := s.deps.Forecast.Daily(r.Context(), req)
	if err != nil {
		s.fail(w, r, err, meta)
		return
	}
	s.ok(w, points, meta)
}

type forecastRunBody struct {
	SourceName string     `json:"source_name" validate:"required"`
	Metric     string     `json:"metric" validate:"required"`
	Horizon    int        `json:"horizon"`
	EndDate    metric.Day `json:"end_date"`
}

func (s *Server) handleForecastRun(w http.ResponseWriter, r *http.Request) {
	var body forecastRunBody
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err, s.meta(body.SourceName, body.Metric, nil))
		return
	}
	meta := s.meta(body.SourceName, body.Metric, map[string]any{"horizon": body.Horizon})

	run, err := s.deps.Forecast.Run(r.Context(), forecast.Request{
		SourceName: body.SourceName,
		Metric:     body.Metric,
		Horizon:    body.Horizon,
		EndDate:    body.EndDate,
	})
	if err != nil {
		s.fail(w, r, err, meta)
		return
	}
	s.ok(w, run, meta)
}

type healthRunBody struct {
	SourceName string `json:"source_name" validate:"required"`
	Metric     string `json:"metric" validate:"required"`
	WindowN    int    `json:"window_n" validate:"min=0,max=3650"`
	HorizonN   int    `json:"horizon_n" validate:"min=0,max=365"`
}

func (s *Server) handleHealthRun(w http.ResponseWriter, r *http.Request) {
	var body healthRunBody
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err, s.meta(body.SourceName, body.Metric, nil))
		return
	}
	meta := s.meta(body.SourceName, body.Metric, map[string]any{"window_n": body.WindowN, "horizon_n": body.HorizonN})

	res, err := s.deps.Forecast.RefreshHealth(r.Context(), forecast.HealthRequest{
		SourceName: body.SourceName,
		Metric:     body.Metric,
		WindowN:    body.WindowN,
		HorizonN:   body.HorizonN,
	})
	if err != nil {
		s.fail(w, r, err, meta)
		return
	}
	s.ok(w, res, meta)
}

func (s *Server) handleHealthGet(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	source := q.required("source_name")
	name := q.required("metric")
	windowN := q.integer("window_n", forecast.DefaultHealthWindow)
	meta := s.meta(source, name, map[string]any{"window_n": windowN})
	if q.err != nil {
		s.fail(w, r, q.err, meta)
		return
	}

	h, err := s.deps.Forecast.Health(r.Context(), source, name, windowN)
	if err != nil {
		s.fail(w, r, err, meta)
		return
	}
	s.ok(w, h, meta)
}

type reliabilityRunBody struct {
	SourceName string `json:"source_name" validate:"required"`
	Metric     string `json:"metric" validate:"required"`
	Days       int    `json:"days" validate:"min=0,max=3650"`
	Folds      int    `json:"folds" validate:"min=0,max=100"`
	Horizon    int    `json:"horizon" validate:"min=0,max=90"`
}

func (s *Server) handleReliabilityRun(w http.ResponseWriter, r *http.Request) {
	var body reliabilityRunBody
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err, s.meta(body.SourceName, body.Metric, nil))
		return
	}
	meta := s.meta(body.SourceName, body.Metric, map[string]any{
		"days": body.Days, "folds": body.Folds, "horizon": body.Horizon,
	})

	snap, err := s.deps.Reliability.Run(r.Context(), reliability.Request{
		SourceName: body.SourceName,
		Metric:     body.Metric,
		Days:       body.Days,
		Folds:      body.Folds,
		Horizon:    body.Horizon,
	})
	if err != nil {
		s.fail(w, r, err, meta)
		return
	}
	if len(snap.Folds) == 0 {
		s.fail(w, r, errNoFolds, meta)
		return
	}
	s.ok(w, snap, meta)
}

func (s *Server) handleReliabilityGet(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	source := q.required("source_name")
	name := q.required("metric")
	meta := s.meta(source, name, nil)
	if q.err != nil {
		s.fail(w, r, q.err, meta)
		return
	}

	snap, err := s.deps.Reliability.Latest(r.Context(), source, name)
	if err != nil {
		s.fail(w, r, err, meta)
		return
	}
	s.ok(w, snap, meta)
}

func (s *Server) handleRolling(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	req := anomaly.ZScoreRequest{
		SourceName: q.required("source_name"),
		Metric:     q.required("metric"),
		Start:      q.day("start_date"),
		End:        q.day("end_date"),
		Window:     q.integer("window", anomaly.DefaultWindow),
		Threshold:  q.float("z_thresh", anomaly.DefaultThreshold),
		Field:      metric.ValueField(q.str("value_field")),
	}
	meta := s.meta(req.SourceName, req.Metric, map[string]any{
		"window": req.Window, "z_thresh": req.Threshold, "value_field": string(req.Field),
		"start_date": q.str("start_date"), "end_date": q.str("end_date"),
	})
	if q.err != nil {
		s.fail(w, r, q.err, meta)
		return
	}

	points, err := s.deps.Anomaly.Rolling(r.Context(), req)
	if err != nil {
		s.fail(w, r, err, meta)
		return
	}
	s.ok(w, points, meta)
}

func (s *Server) handleIForest(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	req := anomaly.ForestRequest{
		SourceName:    q.required("source_name"),
		Metric:        q.required("metric"),
		Start:         q.day("start_date"),
		End:           q.day("end_date"),
		Contamination: q.float("contamination", anomaly.DefaultContamination),
		NEstimators:   q.integer("n_estimators", anomaly.DefaultEstimators),
		Seed:          q.unsigned("seed", anomaly.DefaultSeed),
		Field:         metric.ValueField(q.str("value_field")),
	}
	meta := s.meta(req.SourceName, req.Metric, map[string]any{
		"contamination": req.Contamination, "n_estimators": req.NEstimators, "seed": req.Seed,
		"value_field": string(req.Field),
	})
	if q.err != nil {
		s.fail(w, r, q.err, meta)
		return
	}

	points, err := s.deps.Anomaly.IsolationForest(r.Context(), req)
	if err != nil {
		s.fail(w, r, err, meta)
		return
	}
	s.ok(w, points, meta)
}
