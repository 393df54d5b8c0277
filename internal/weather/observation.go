// Package weather defines the observation record aggregated by the server.
package weather

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingID indicates a payload without a usable station identifier.
var ErrMissingID = errors.New("weather: observation missing station id")

// Observation is one weather report for a station. Records are immutable
// once decoded; an update replaces the stored record wholesale.
type Observation struct {
	ID                string  `json:"id"`
	Name              string  `json:"name,omitempty"`
	State             string  `json:"state,omitempty"`
	TimeZone          string  `json:"time_zone,omitempty"`
	Lat               float64 `json:"lat,omitempty"`
	Lon               float64 `json:"lon,omitempty"`
	LocalDateTime     string  `json:"local_date_time,omitempty"`
	LocalDateTimeFull string  `json:"local_date_time_full,omitempty"`
	AirTemp           float64 `json:"air_temp,omitempty"`
	ApparentTemp      float64 `json:"apparent_t,omitempty"`
	Cloud             string  `json:"cloud,omitempty"`
	DewPoint          float64 `json:"dewpt,omitempty"`
	Pressure          float64 `json:"press,omitempty"`
	RelHumidity       int     `json:"rel_hum,omitempty"`
	WindDir           string  `json:"wind_dir,omitempty"`
	WindSpeedKmh      int     `json:"wind_spd_kmh,omitempty"`
	WindSpeedKt       int     `json:"wind_spd_kt,omitempty"`
}

// Decode parses a JSON payload into an Observation and validates that it
// carries a station id. Unknown fields are tolerated so feed additions do
// not break older servers.
func Decode(payload []byte) (Observation, error) {
	var obs Observation
	if len(payload) == 0 {
		return Observation{}, fmt.Errorf("weather: empty payload")
	}
	if err := json.Unmarshal(payload, &obs); err != nil {
		return Observation{}, fmt.Errorf("weather: decode observation: %w", err)
	}
	if obs.ID == "" {
		return Observation{}, ErrMissingID
	}
	return obs, nil
}

// Encode serializes the observation as compact JSON.
func (o Observation) Encode() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("weather: encode observation: %w", err)
	}
	return data, nil
}
