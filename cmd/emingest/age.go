package main

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidAge is returned by ParseAge for input it does not understand.
var ErrInvalidAge = errors.New("invalid age")

// maxAge is how far back "max" reaches: the device keeps about 60 days of
// one-minute records.
const maxAge = 60*24*time.Hour + 12*time.Hour

var agePattern = regexp.MustCompile(`^(\d+)([wdh])$`)

// ParseAge turns a download age into the export's lower bound.
//
//	all        zero time: everything the device holds
//	max        now minus 60 days 12 hours
//	<N>w|d|h   now minus N weeks, days or hours
//
// Matching is case-insensitive.
func ParseAge(s string, now time.Time) (time.Time, error) {
	age := strings.ToLower(strings.TrimSpace(s))
	switch age {
	case "all":
		return time.Time{}, nil
	case "max":
		return now.Add(-maxAge), nil
	}

	m := agePattern.FindStringSubmatch(age)
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: %q (want all, max or <N>w|d|h)", ErrInvalidAge, s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %w", ErrInvalidAge, s, err)
	}

	unit := time.Hour
	switch m[2] {
	case "w":
		unit = 7 * 24 * time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	if int64(n) > math.MaxInt64/int64(unit) {
		return time.Time{}, fmt.Errorf("%w: %q is too far back", ErrInvalidAge, s)
	}
	return now.Add(-time.Duration(n) * unit), nil
}
