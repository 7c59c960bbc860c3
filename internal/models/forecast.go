package models

import "strings"

// Icon is an identifier from the shared icon taxonomy. Every provider maps its
// native vocabulary onto these values so renderers only need one icon set.
type Icon string

const (
	IconClearDay          Icon = "clear-day"
	IconClearNight        Icon = "clear-night"
	IconPartlyCloudyDay   Icon = "partly-cloudy-day"
	IconPartlyCloudyNight Icon = "partly-cloudy-night"
	IconCloudy            Icon = "cloudy"
	IconRain              Icon = "rain"
	IconThunderstorm      Icon = "thunderstorm"
	IconSnow              Icon = "snow"
	IconSleet             Icon = "sleet"
	IconHail              Icon = "hail"
	IconWind              Icon = "wind"
	IconFog               Icon = "fog"
	IconUnknown           Icon = "unknown"
)

const (
	// MaxHourly and MaxDaily bound the forecast sequences.
	MaxHourly = 6
	MaxDaily  = 6

	// StaleMarker is appended to Current.Provider when a cached forecast is
	// served because every provider failed.
	StaleMarker = "*"
)

// Coordinate is a raw latitude/longitude pair. Values are kept exactly as the
// caller supplied them; "38.9" and "38.90" are different cache keys.
type Coordinate struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Key returns the cache key for the coordinate.
func (c Coordinate) Key() string {
	return c.Lat + "," + c.Lon
}

// Forecast is the normalized forecast every provider produces. JSON names are
// consumed by the dashboard templates and must not change.
type Forecast struct {
	Now    Current  `json:"now"`
	Hourly []Hourly `json:"hourly"`
	Daily  []Daily  `json:"daily"`
	Stale  bool     `json:"stale,omitempty"`
}

type Current struct {
	Provider string `json:"api_provider"`
	Time     string `json:"time"`
	Temp     int    `json:"temp"`
	High     int    `json:"high"`
	Low      int    `json:"low"`
	Cond     string `json:"cond"`
	Icon     Icon   `json:"icon"`
	Summary  string `json:"summary"`
}

type Hourly struct {
	Time string `json:"time"`
	Temp int    `json:"temp"`
	Cond string `json:"cond"`
	Icon Icon   `json:"icon"`
}

type Daily struct {
	Day  string `json:"day"`
	Date string `json:"date"`
	High int    `json:"high"`
	Low  int    `json:"low"`
	Cond string `json:"cond"`
	Icon Icon   `json:"icon"`
}

// Clone returns a deep copy so callers cannot reach into cached slices.
func (f Forecast) Clone() Forecast {
	out := f
	if f.Hourly != nil {
		out.Hourly = append([]Hourly(nil), f.Hourly...)
	}
	if f.Daily != nil {
		out.Daily = append([]Daily(nil), f.Daily...)
	}
	return out
}

// MarkStale returns a copy flagged as stale. The marker is appended at most once.
func (f Forecast) MarkStale() Forecast {
	out := f.Clone()
	if !strings.HasSuffix(out.Now.Provider, StaleMarker) {
		out.Now.Provider += StaleMarker
	}
	out.Stale = true
	return out
}
