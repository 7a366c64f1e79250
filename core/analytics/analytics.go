// Package analytics derives aggregate figures from fleet state for the
// dashboard: per-field statistics across vehicles and per-vehicle trends
// over the retained history.
package analytics

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/kilianp07/fleetstream/core/model"
)

// ErrInsufficientData is returned when too few numeric samples exist.
var ErrInsufficientData = errors.New("insufficient numeric samples")

// FieldStats summarises one numeric field across vehicles.
type FieldStats struct {
	Field    string  `json:"field"`
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"stddev"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	MinOwner string  `json:"minVehicleId"`
	MaxOwner string  `json:"maxVehicleId"`
}

// Summarize computes statistics of field over the latest event of each
// vehicle. Vehicles without a numeric value for field are skipped.
func Summarize(field string, states []model.VehicleState) (FieldStats, error) {
	var (
		xs     []float64
		owners []string
	)
	for _, st := range states {
		v, ok := st.LastEvent.Fields[field]
		if !ok {
			continue
		}
		f, ok := v.Float()
		if !ok || math.IsNaN(f) {
			continue
		}
		xs = append(xs, f)
		owners = append(owners, st.VehicleID)
	}
	if len(xs) == 0 {
		return FieldStats{Field: field}, fmt.Errorf("%w: %s", ErrInsufficientData, field)
	}
	minIdx, maxIdx := floats.MinIdx(xs), floats.MaxIdx(xs)
	out := FieldStats{
		Field:    field,
		Count:    len(xs),
		Mean:     stat.Mean(xs, nil),
		Min:      xs[minIdx],
		Max:      xs[maxIdx],
		MinOwner: owners[minIdx],
		MaxOwner: owners[maxIdx],
	}
	if len(xs) > 1 {
		out.StdDev = stat.StdDev(xs, nil)
	}
	return out, nil
}

// Trend is a least-squares line through a field's recent history.
type Trend struct {
	VehicleID string `json:"vehicleId"`
	Field     string `json:"field"`
	Samples   int    `json:"samples"`
	// SlopePerSecond is the fitted change per second of publisher time.
	SlopePerSecond float64 `json:"slopePerSecond"`
	Intercept      float64 `json:"intercept"`
	Latest         float64 `json:"latest"`
}

// FitTrend fits field against event timestamps. At least two samples at
// distinct times are required.
func FitTrend(st model.VehicleState, field string) (Trend, error) {
	var xs, ys []float64
	var origin float64
	for _, ev := range st.History {
		v, ok := ev.Fields[field]
		if !ok {
			continue
		}
		f, ok := v.Float()
		if !ok || math.IsNaN(f) {
			continue
		}
		t := float64(ev.Timestamp.UnixNano()) / 1e9
		if len(xs) == 0 {
			origin = t
		}
		xs = append(xs, t-origin)
		ys = append(ys, f)
	}
	tr := Trend{VehicleID: st.VehicleID, Field: field, Samples: len(xs)}
	if len(xs) < 2 || floats.Max(xs) == floats.Min(xs) {
		return tr, fmt.Errorf("%w: %s on %s", ErrInsufficientData, field, st.VehicleID)
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	tr.Intercept = alpha
	tr.SlopePerSecond = beta
	tr.Latest = ys[len(ys)-1]
	return tr, nil
}
