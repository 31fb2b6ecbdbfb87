package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/pkg/anomaly"
	"github.com/elonfeng/kpiradar/pkg/forecast"
	"github.com/elonfeng/kpiradar/pkg/ingest"
	"github.com/elonfeng/kpiradar/pkg/rollup"
	"github.com/go-playground/validator/v10"
)

// Envelope wraps every JSON response.
type Envelope struct {
	OK    bool      `json:"ok"`
	Data  any       `json:"data"`
	Error *APIError `json:"error"`
	Meta  Meta      `json:"meta"`
}

// APIError is the error part of a failed response.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Meta describes the request a response answers.
type Meta struct {
	SourceName  string         `json:"source_name,omitempty"`
	Metric      string         `json:"metric,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	GeneratedAt string         `json:"generated_at"`
	Version     string         `json:"version"`
}

var (
	errBadRequest = errors.New("bad request")
	errNoFolds    = errors.New("reliability run produced no folds")
	errEmptyBody  = errors.New("empty body")
)

func (s *Server) meta(source, metricName string, params map[string]any) Meta {
	for k, v := range params {
		if v == nil || v == "" {
			delete(params, k)
		}
	}
	if len(params) == 0 {
		params = nil
	}
	return Meta{
		SourceName:  source,
		Metric:      metricName,
		Params:      params,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Version:     s.version,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) ok(w http.ResponseWriter, data any, meta Meta) {
	writeJSON(w, http.StatusOK, Envelope{OK: true, Data: data, Meta: meta})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, meta Meta) {
	status, apiErr := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zapRequest(r, err)...)
	}
	writeJSON(w, status, Envelope{OK: false, Error: apiErr, Meta: meta})
}

// classify maps an error to its HTTP status and public code.
func classify(err error) (int, *APIError) {
	var rejected *ingest.RejectedError
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, store.ErrUnknownSource):
		return http.StatusNotFound, &APIError{Code: "UNKNOWN_SOURCE", Message: err.Error()}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, &APIError{Code: "NOT_FOUND", Message: err.Error()}
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity, &APIError{
			Code:    "ROW_VALIDATION_ERROR",
			Message: err.Error(),
			Details: map[string]any{"rows": rejected.Rows, "total": rejected.Total},
		}
	case errors.Is(err, errNoFolds):
		return http.StatusUnprocessableEntity, &APIError{
			Code:    "NO_FOLDS",
			Message: "reliability run produced 0 folds; check the data window and folds/horizon values",
		}
	case errors.Is(err, errEmptyBody):
		return http.StatusBadRequest, &APIError{Code: "EMPTY_FILE", Message: err.Error()}
	case errors.As(err, &verrs):
		fields := make(map[string]any, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		return http.StatusBadRequest, &APIError{Code: "VALIDATION_ERROR", Message: "invalid request", Details: fields}
	case errors.Is(err, errBadRequest),
		errors.Is(err, rollup.ErrInvalidField),
		errors.Is(err, forecast.ErrInvalidHorizon),
		errors.Is(err, anomaly.ErrInvalidParams):
		return http.StatusBadRequest, &APIError{Code: "VALIDATION_ERROR", Message: err.Error()}
	}
	return http.StatusInternalServerError, &APIError{Code: "INTERNAL", Message: "internal error"}
}
