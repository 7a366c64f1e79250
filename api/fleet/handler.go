package fleet

import (
	"errors"
	"net/http"
	"strings"

	"github.com/kilianp07/fleetstream/api/respond"
	corefleet "github.com/kilianp07/fleetstream/core/fleet"
	"github.com/kilianp07/fleetstream/core/model"
	"github.com/kilianp07/fleetstream/core/registry"
	"github.com/kilianp07/fleetstream/core/telemetry"
)

// StateReader exposes the fleet state.
type StateReader interface {
	List() []model.VehicleState
	Get(id string) (model.VehicleState, error)
}

// Membership manages declared vehicles.
type Membership interface {
	Declare(id string) error
	Retire(id string) error
	List() []registry.Subscription
}

// NewListHandler serves GET /api/fleet. The optional health query parameter
// keeps only vehicles in that state.
func NewListHandler(store StateReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		states := store.List()
		if h := strings.ToUpper(r.URL.Query().Get("health")); h != "" {
			kept := states[:0]
			for _, st := range states {
				if string(st.Health) == h {
					kept = append(kept, st)
				}
			}
			states = kept
		}
		respond.JSON(w, http.StatusOK, states)
	})
}

// NewVehicleHandler serves GET /api/fleet/{id}.
func NewVehicleHandler(store StateReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, err := store.Get(r.PathValue("id"))
		if errors.Is(err, corefleet.ErrNotFound) {
			respond.Error(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			respond.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		respond.JSON(w, http.StatusOK, st)
	})
}

// NewDeclareHandler serves PUT /api/fleet/{id}.
func NewDeclareHandler(reg Membership) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := reg.Declare(r.PathValue("id"))
		if errors.Is(err, telemetry.ErrInvalidVehicleID) {
			respond.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			respond.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// NewRetireHandler serves DELETE /api/fleet/{id}.
func NewRetireHandler(reg Membership) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := reg.Retire(r.PathValue("id"))
		if errors.Is(err, registry.ErrNotDeclared) {
			respond.Error(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			respond.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// NewSubscriptionsHandler serves GET /api/subscriptions.
func NewSubscriptionsHandler(reg Membership) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusOK, reg.List())
	})
}
