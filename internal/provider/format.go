package provider

import (
	"fmt"
	"math"
	"time"
)

const (
	timeLayout = "2006-01-02 15:04:05"
	hourLayout = "3 PM"
	dayLayout  = "Mon"
	dateLayout = "01/02"
)

// TimeLabel formats the observation time of the current block.
func TimeLabel(t time.Time) string { return t.Format(timeLayout) }

// HourLabel formats an hourly entry, e.g. "3 PM".
func HourLabel(t time.Time) string { return t.Format(hourLayout) }

// DayLabel formats a daily entry's weekday, e.g. "Mon".
func DayLabel(t time.Time) string { return t.Format(dayLayout) }

// DateLabel formats a daily entry's date, e.g. "01/02".
func DateLabel(t time.Time) string { return t.Format(dateLayout) }

// Truncate drops the fraction toward zero.
func Truncate(f float64) int { return int(f) }

// Round rounds half to even.
func Round(f float64) int { return int(math.RoundToEven(f)) }

var compassPoints = [...]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// Compass maps a wind bearing in degrees to an 8-point direction. Each point
// covers 45° centred on it, so N is [337.5, 22.5). Bearings outside [0, 360)
// are normalized first.
func Compass(bearing float64) string {
	b := math.Mod(bearing, 360)
	if b < 0 {
		b += 360
	}
	idx := int(math.Floor((b+22.5)/45)) % len(compassPoints)
	return compassPoints[idx]
}

// WindSummary renders the summary used by providers without prose forecasts.
func WindSummary(speed int, bearing float64, feels int) string {
	return fmt.Sprintf("%d mph %s wind, feels like %d°", speed, Compass(bearing), feels)
}
