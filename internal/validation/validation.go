package validation

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/kjstillabower/nook-weather-service/internal/models"
)

// ErrLatitudeInvalid is returned when latitude is empty or outside -90..90.
var ErrLatitudeInvalid = errors.New("latitude must be a decimal between -90 and 90")

// ErrLongitudeInvalid is returned when longitude is empty or outside -180..180.
var ErrLongitudeInvalid = errors.New("longitude must be a decimal between -180 and 180")

var validate = validator.New()

// ValidateCoordinates checks lat and lon as decimal degrees and returns them as
// a Coordinate. The strings are not normalized: they become the cache key as given.
// Errors are suitable for 400 INVALID_COORDINATES responses.
func ValidateCoordinates(lat, lon string) (models.Coordinate, error) {
	if err := validate.Var(lat, "required,latitude"); err != nil {
		return models.Coordinate{}, ErrLatitudeInvalid
	}
	if err := validate.Var(lon, "required,longitude"); err != nil {
		return models.Coordinate{}, ErrLongitudeInvalid
	}
	return models.Coordinate{Lat: lat, Lon: lon}, nil
}
