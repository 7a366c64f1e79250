package model

import "time"

// Health is the freshness classification of a vehicle.
type Health string

const (
	HealthFresh Health = "FRESH"
	HealthStale Health = "STALE"
	HealthLost  Health = "LOST"
)

// VehicleState is the latest known state of one vehicle. Values handed out
// by the fleet store are snapshots and never change afterwards.
type VehicleState struct {
	VehicleID string         `json:"vehicleId"`
	LastEvent TelemetryEvent `json:"lastEvent"`
	// LastUpdatedAt is the server time the last accepted event was applied.
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
	Health        Health    `json:"connectionHealth"`
	// History holds the most recent accepted events, oldest first.
	History []TelemetryEvent `json:"history,omitempty"`
	// Revision increases on every change to this vehicle.
	Revision uint64 `json:"revision"`
}
