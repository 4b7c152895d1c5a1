package location

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ErrDuplicateName is returned when two locations share a name.
var ErrDuplicateName = errors.New("duplicate location name")

// Location is a named coordinate pair. Name is the join key used by the
// request and reading records, so it must be unique within a Registry.
type Location struct {
	Name      string  `json:"name" validate:"required"`
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// Registry is an immutable, ordered set of locations.
type Registry struct {
	locations []Location
	names     map[string]struct{}
}

// NewRegistry validates locs and builds a Registry preserving their order.
func NewRegistry(locs []Location) (*Registry, error) {
	r := &Registry{
		locations: make([]Location, 0, len(locs)),
		names:     make(map[string]struct{}, len(locs)),
	}

	for _, l := range locs {
		l.Name = strings.TrimSpace(l.Name)
		if err := validate.Struct(l); err != nil {
			return nil, fmt.Errorf("invalid location %q: %w", l.Name, err)
		}
		if _, ok := r.names[l.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, l.Name)
		}
		r.names[l.Name] = struct{}{}
		r.locations = append(r.locations, l)
	}

	return r, nil
}

// Default returns the built-in set of tracked cities.
func Default() *Registry {
	r, err := NewRegistry([]Location{
		{Name: "New York City", Latitude: 40.712776, Longitude: -74.005974},
		{Name: "Los Angeles", Latitude: 34.052235, Longitude: -118.243683},
		{Name: "San Francisco", Latitude: 37.774929, Longitude: -122.419418},
	})
	if err != nil {
		panic(err)
	}
	return r
}

// Parse builds a Registry from "Name=lat,lon;Name=lat,lon".
func Parse(spec string) (*Registry, error) {
	var locs []Location
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, coords, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("location entry %q: expected Name=lat,lon", entry)
		}
		latStr, lonStr, ok := strings.Cut(coords, ",")
		if !ok {
			return nil, fmt.Errorf("location entry %q: expected lat,lon", entry)
		}

		lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
		if err != nil {
			return nil, fmt.Errorf("location entry %q: parsing latitude: %w", entry, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
		if err != nil {
			return nil, fmt.Errorf("location entry %q: parsing longitude: %w", entry, err)
		}

		locs = append(locs, Location{Name: name, Latitude: lat, Longitude: lon})
	}

	if len(locs) == 0 {
		return nil, errors.New("no locations configured")
	}

	return NewRegistry(locs)
}

// List returns the locations in registration order. The slice is a copy.
func (r *Registry) List() []Location {
	out := make([]Location, len(r.locations))
	copy(out, r.locations)
	return out
}

// Len returns the number of registered locations.
func (r *Registry) Len() int {
	return len(r.locations)
}
