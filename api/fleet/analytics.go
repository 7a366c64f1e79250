package fleet

import (
	"errors"
	"net/http"

	"github.com/kilianp07/fleetstream/api/respond"
	"github.com/kilianp07/fleetstream/core/analytics"
	corefleet "github.com/kilianp07/fleetstream/core/fleet"
)

// NewStatsHandler serves GET /api/fleet/stats?field=name.
func NewStatsHandler(store StateReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		field := r.URL.Query().Get("field")
		if field == "" {
			respond.Error(w, http.StatusBadRequest, "field query parameter is required")
			return
		}
		stats, err := analytics.Summarize(field, store.List())
		if errors.Is(err, analytics.ErrInsufficientData) {
			respond.Error(w, http.StatusNotFound, err.Error())
			return
		}
		respond.JSON(w, http.StatusOK, stats)
	})
}

// NewTrendHandler serves GET /api/fleet/{id}/trend?field=name.
func NewTrendHandler(store StateReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		field := r.URL.Query().Get("field")
		if field == "" {
			respond.Error(w, http.StatusBadRequest, "field query parameter is required")
			return
		}
		st, err := store.Get(r.PathValue("id"))
		if errors.Is(err, corefleet.ErrNotFound) {
			respond.Error(w, http.StatusNotFound, err.Error())
			return
		}
		tr, err := analytics.FitTrend(st, field)
		if errors.Is(err, analytics.ErrInsufficientData) {
			respond.Error(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		respond.JSON(w, http.StatusOK, tr)
	})
}
