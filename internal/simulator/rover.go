package simulator

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Rover modes.
const (
	ModePatrol    = "PATROL"
	ModeReturning = "RETURNING"
	ModeHome      = "HOME"
)

// Command types understood by rovers.
const (
	CmdReturnHome = "RETURN_HOME"
	CmdResume     = "RESUME"
	CmdSetSpeed   = "SET_SPEED"
)

// metres per degree of latitude, close enough for a simulation.
const metresPerDegree = 111_320.0

// Rover is one simulated vehicle. It is not safe for concurrent use.
type Rover struct {
	ID       string
	HomeLat  float64
	HomeLon  float64
	Lat      float64
	Lon      float64
	Heading  float64 // radians
	Speed    float64 // m/s
	Battery  float64 // percent
	Altitude float64
	Mode     string
	Seq      uint64
}

// NewRover places a rover near its home position.
func NewRover(id string, rng *rand.Rand) *Rover {
	lat := 48.85 + rng.Float64()*0.01
	lon := 2.35 + rng.Float64()*0.01
	return &Rover{
		ID:       id,
		HomeLat:  lat,
		HomeLon:  lon,
		Lat:      lat,
		Lon:      lon,
		Heading:  rng.Float64() * 2 * math.Pi,
		Speed:    2 + rng.Float64()*3,
		Battery:  80 + rng.Float64()*20,
		Altitude: 30 + rng.Float64()*5,
		Mode:     ModePatrol,
	}
}

// Step advances the rover by dt.
func (r *Rover) Step(dt time.Duration, rng *rand.Rand) {
	secs := dt.Seconds()
	switch r.Mode {
	case ModePatrol:
		r.Heading += (rng.Float64() - 0.5) * 0.3
	case ModeReturning:
		dLat := r.HomeLat - r.Lat
		dLon := r.HomeLon - r.Lon
		dist := math.Hypot(dLat, dLon) * metresPerDegree
		if dist <= r.Speed*secs {
			r.Lat, r.Lon = r.HomeLat, r.HomeLon
			r.Mode = ModeHome
			return
		}
		r.Heading = math.Atan2(dLat, dLon)
	case ModeHome:
		r.Battery = math.Min(100, r.Battery+0.5*secs)
		return
	}
	step := r.Speed * secs / metresPerDegree
	r.Lat += step * math.Sin(r.Heading)
	r.Lon += step * math.Cos(r.Heading)
	r.Altitude += (rng.Float64() - 0.5) * 0.2
	r.Battery = math.Max(0, r.Battery-0.05*secs*r.Speed)
	if r.Battery < 15 && r.Mode == ModePatrol {
		r.Mode = ModeReturning
	}
}

// Telemetry renders the next telemetry document and bumps the sequence.
func (r *Rover) Telemetry(now time.Time) ([]byte, error) {
	r.Seq++
	return json.Marshal(map[string]any{
		"vehicleId": r.ID,
		"seq":       r.Seq,
		"timestamp": now.UnixMilli(),
		"metrics": map[string]any{
			"lat":      r.Lat,
			"lon":      r.Lon,
			"altitude": r.Altitude,
			"speed":    r.Speed,
			"battery":  r.Battery,
			"mode":     r.Mode,
		},
	})
}

// Command is the envelope published by the service.
type Command struct {
	RequestID   string          `json:"requestId"`
	VehicleID   string          `json:"vehicleId"`
	CommandType string          `json:"commandType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Handle applies a command to the rover.
func (r *Rover) Handle(cmd Command) error {
	switch cmd.CommandType {
	case CmdReturnHome:
		if r.Mode != ModeHome {
			r.Mode = ModeReturning
		}
	case CmdResume:
		r.Mode = ModePatrol
	case CmdSetSpeed:
		var p struct {
			Speed float64 `json:"speed"`
		}
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("set speed payload: %w", err)
		}
		if p.Speed <= 0 {
			return fmt.Errorf("speed must be positive, got %v", p.Speed)
		}
		r.Speed = p.Speed
	default:
		return fmt.Errorf("unsupported command %q", cmd.CommandType)
	}
	return nil
}
