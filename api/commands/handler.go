// Package commands exposes the command publisher over HTTP.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/kilianp07/fleetstream/api/respond"
	"github.com/kilianp07/fleetstream/core/command"
	"github.com/kilianp07/fleetstream/core/model"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Commander submits commands and reports their outcome.
type Commander interface {
	Publish(req model.CommandRequest) (string, error)
	Status(requestID string) (model.CommandResult, bool)
	Await(ctx context.Context, requestID string) (model.CommandResult, error)
}

type submitRequest struct {
	RequestID   string          `json:"requestId,omitempty"`
	VehicleID   string          `json:"vehicleId"`
	CommandType string          `json:"commandType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type submitResponse struct {
	RequestID string `json:"requestId"`
}

// NewSubmitHandler serves POST /api/commands. It answers 202 with the
// request id once the command is accepted. With ?wait=true it blocks until
// the command completes or the client goes away and answers with the result.
func NewSubmitHandler(cmd Commander) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			respond.Error(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		id, err := cmd.Publish(model.CommandRequest{
			RequestID:   req.RequestID,
			VehicleID:   req.VehicleID,
			CommandType: req.CommandType,
			Payload:     req.Payload,
		})
		if err != nil {
			respond.Error(w, statusFor(err), err.Error())
			return
		}
		if r.URL.Query().Get("wait") != "true" {
			respond.JSON(w, http.StatusAccepted, submitResponse{RequestID: id})
			return
		}
		res, err := cmd.Await(r.Context(), id)
		if err != nil {
			respond.JSON(w, http.StatusAccepted, submitResponse{RequestID: id})
			return
		}
		respond.JSON(w, http.StatusOK, res)
	})
}

// NewStatusHandler serves GET /api/commands/{id}.
func NewStatusHandler(cmd Commander) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, ok := cmd.Status(r.PathValue("id"))
		if !ok {
			respond.Error(w, http.StatusNotFound, command.ErrUnknownRequest.Error())
			return
		}
		respond.JSON(w, http.StatusOK, res)
	})
}

type bulkRequest struct {
	VehicleIDs  []string        `json:"vehicleIds"`
	CommandType string          `json:"commandType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type bulkItem struct {
	VehicleID string `json:"vehicleId"`
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewBulkHandler serves POST /api/commands/bulk. The same command is
// submitted to every listed vehicle; each item reports its own outcome.
func NewBulkHandler(cmd Commander) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req bulkRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			respond.Error(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(req.VehicleIDs) == 0 {
			respond.Error(w, http.StatusBadRequest, "vehicleIds must not be empty")
			return
		}

		items := make([]bulkItem, len(req.VehicleIDs))
		var wg sync.WaitGroup
		for i, vid := range req.VehicleIDs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				items[i].VehicleID = vid
				id, err := cmd.Publish(model.CommandRequest{
					VehicleID:   vid,
					CommandType: req.CommandType,
					Payload:     req.Payload,
				})
				if err != nil {
					items[i].Error = err.Error()
					return
				}
				items[i].RequestID = id
			}()
		}
		wg.Wait()
		respond.JSON(w, http.StatusAccepted, items)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, command.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, command.ErrUnknownVehicle):
		return http.StatusNotFound
	case errors.Is(err, command.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, command.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
