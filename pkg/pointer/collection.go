package pointer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidCollectionName is returned when a string does not match the
// CC-MAIN-YYYY-WW collection naming convention.
var ErrInvalidCollectionName = errors.New("invalid collection name")

// Collection identifies one named crawl snapshot, e.g. "CC-MAIN-2024-30".
type Collection struct {
	Name string
	Year int
	Week int
}

// ParseCollection parses a collection name of the form CC-MAIN-YYYY-WW and
// derives its year.
func ParseCollection(name string) (Collection, error) {
	parts := strings.Split(name, "-")
	if len(parts) != 4 || parts[0] != "CC" || parts[1] != "MAIN" {
		return Collection{}, fmt.Errorf("error parsing collection name %q: %w", name, ErrInvalidCollectionName)
	}

	year, err := strconv.Atoi(parts[2])
	if err != nil || len(parts[2]) != 4 {
		return Collection{}, fmt.Errorf("error parsing year from collection name %q: %w", name, ErrInvalidCollectionName)
	}

	week, err := strconv.Atoi(parts[3])
	if err != nil {
		return Collection{}, fmt.Errorf("error parsing week from collection name %q: %w", name, ErrInvalidCollectionName)
	}

	return Collection{Name: name, Year: year, Week: week}, nil
}

// String returns the collection's canonical name.
func (c Collection) String() string { return c.Name }
