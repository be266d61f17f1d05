package utils

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"ms-admission/internal/apperr"
	"ms-admission/internal/logger"
)

const RequestIDHeader = "X-Request-ID"

var ErrInvalidID = apperr.Validation("invalid_id", "id must be a positive integer")

// RequestID echoes the caller's X-Request-ID or assigns a new one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// AccessLog writes one LogAPI line per request.
func AccessLog(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.LogAPI(r.Method, r.URL.Path, strconv.Itoa(status), time.Since(start).String())
		})
	}
}

// URLParamID parses a positive int64 route parameter.
func URLParamID(r *http.Request, name string) (int64, error) {
	return ParseID(chi.URLParam(r, name))
}

// QueryID parses a positive int64 query parameter.
func QueryID(r *http.Request, name string) (int64, error) {
	return ParseID(r.URL.Query().Get(name))
}

func ParseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperr.Wrap(ErrInvalidID, fmt.Errorf("parse %q: %w", raw, err))
	}
	if id <= 0 {
		return 0, ErrInvalidID
	}
	return id, nil
}
