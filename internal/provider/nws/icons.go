package nws

import (
	"strings"

	"github.com/kjstillabower/nook-weather-service/internal/models"
)

// Condition codes from api.weather.gov icon URLs.
var iconMapping = map[string]models.Icon{
	"skc":             models.IconClearDay,
	"hot":             models.IconClearDay,
	"cold":            models.IconClearDay,
	"nskc":            models.IconClearNight,
	"few":             models.IconClearDay,
	"nfew":            models.IconClearNight,
	"sct":             models.IconPartlyCloudyDay,
	"nsct":            models.IconPartlyCloudyNight,
	"bkn":             models.IconCloudy,
	"ovc":             models.IconCloudy,
	"rain":            models.IconRain,
	"rain_showers":    models.IconRain,
	"rain_showers_hi": models.IconRain,
	"tsra":            models.IconThunderstorm,
	"tsra_sct":        models.IconThunderstorm,
	"tsra_hi":         models.IconThunderstorm,
	"tropical_storm":  models.IconThunderstorm,
	"snow":            models.IconSnow,
	"rain_snow":       models.IconSnow,
	"snow_fzra":       models.IconSnow,
	"fzra":            models.IconSleet,
	"rain_fzra":       models.IconSleet,
	"snow_sleet":      models.IconSleet,
	"wind_bkn":        models.IconWind,
	"wind_few":        models.IconWind,
	"wind_ovc":        models.IconWind,
	"wind_sct":        models.IconWind,
	"wind_skc":        models.IconWind,
	"haze":            models.IconFog,
	"smoke":           models.IconFog,
	"fog":             models.IconFog,
}

var nightIcons = map[string]string{
	"skc": "nskc",
	"few": "nfew",
	"sct": "nsct",
}

const iconPathMarker = "/icons/land/"

// mapIcon converts an icon URL such as
// https://api.weather.gov/icons/land/night/rain_showers,30/rain_showers,50?size=medium
// to the shared taxonomy. Codes without a mapping are passed through unchanged.
func mapIcon(iconURL string) models.Icon {
	path := iconURL
	if i := strings.Index(path, iconPathMarker); i >= 0 {
		path = path[i+len(iconPathMarker):]
	}
	path, _, _ = strings.Cut(path, "?")

	// "day/bkn" or "night/rain_showers,30/rain_showers,50"
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return models.IconUnknown
	}
	code, _, _ := strings.Cut(parts[1], ",")
	if parts[0] == "night" {
		if n, ok := nightIcons[code]; ok {
			code = n
		}
	}
	if icon, ok := iconMapping[code]; ok {
		return icon
	}
	return models.Icon(code)
}
