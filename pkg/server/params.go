package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// query reads typed query parameters, keeping the first parse error.
type query struct {
	values url.Values
	err    error
}

func newQuery(r *http.Request) *query {
	return &query{values: r.URL.Query()}
}

func (q *query) str(name string) string {
	return strings.TrimSpace(q.values.Get(name))
}

func (q *query) required(name string) string {
	v := q.str(name)
	if v == "" && q.err == nil {
		q.err = fmt.Errorf("%w: %s is required", errBadRequest, name)
	}
	return v
}

func (q *query) integer(name string, fallback int) int {
	v := q.str(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil && q.err == nil {
		q.err = fmt.Errorf("%w: %s must be an integer", errBadRequest, name)
	}
	return n
}

func (q *query) id(name string) int64 {
	v := q.str(name)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil && q.err == nil {
		q.err = fmt.Errorf("%w: %s must be an integer", errBadRequest, name)
	}
	return n
}

func (q *query) unsigned(name string, fallback uint64) uint64 {
	v := q.str(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil && q.err == nil {
		q.err = fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return n
}

func (q *query) float(name string, fallback float64) float64 {
	v := q.str(name)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil && q.err == nil {
		q.err = fmt.Errorf("%w: %s must be a number", errBadRequest, name)
	}
	return f
}

func (q *query) boolean(name string) bool {
	v := q.str(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil && q.err == nil {
		q.err = fmt.Errorf("%w: %s must be a boolean", errBadRequest, name)
	}
	return b
}

func (q *query) day(name string) metric.Day {
	v := q.str(name)
	if v == "" {
		return metric.Day{}
	}
	d, err := metric.ParseDay(v)
	if err != nil && q.err == nil {
		q.err = fmt.Errorf("%w: %s must be YYYY-MM-DD", errBadRequest, name)
	}
	return d
}

// decodeBody decodes a JSON body into dst and validates it.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return validate.Struct(dst)
}
