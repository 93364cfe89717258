// Package duration converts limiter durations into canonical values.
// A duration is either a number of seconds or a human expression such as
// "1 min", "30 mins" or "2.5 hours".
package duration

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidDuration is returned when a value cannot be understood as a duration.
var ErrInvalidDuration = errors.New("invalid duration")

var exprPattern = regexp.MustCompile(`^(-?(?:\d+)?\.?\d+)\s*([a-z]*)$`)

// unit multipliers in milliseconds
var units = map[string]float64{
	"ms":           1,
	"msec":         1,
	"msecs":        1,
	"millisecond":  1,
	"milliseconds": 1,
	"":             1000,
	"s":            1000,
	"sec":          1000,
	"secs":         1000,
	"second":       1000,
	"seconds":      1000,
	"m":            60 * 1000,
	"min":          60 * 1000,
	"mins":         60 * 1000,
	"minute":       60 * 1000,
	"minutes":      60 * 1000,
	"h":            60 * 60 * 1000,
	"hr":           60 * 60 * 1000,
	"hrs":          60 * 60 * 1000,
	"hour":         60 * 60 * 1000,
	"hours":        60 * 60 * 1000,
	"d":            24 * 60 * 60 * 1000,
	"day":          24 * 60 * 60 * 1000,
	"days":         24 * 60 * 60 * 1000,
	"w":            7 * 24 * 60 * 60 * 1000,
	"week":         7 * 24 * 60 * 60 * 1000,
	"weeks":        7 * 24 * 60 * 60 * 1000,
	"y":            365.25 * 24 * 60 * 60 * 1000,
	"yr":           365.25 * 24 * 60 * 60 * 1000,
	"yrs":          365.25 * 24 * 60 * 60 * 1000,
	"year":         365.25 * 24 * 60 * 60 * 1000,
	"years":        365.25 * 24 * 60 * 60 * 1000,
}

// Seconds converts value into whole seconds.
//
// Integers and floats are taken as seconds, time.Duration values are converted,
// and strings are parsed as expressions. A bare numeric string is seconds.
// Non-zero values shorter than one second are rejected, zero stays zero.
func Seconds(value any) (int, error) {
	ms, err := milliseconds(value)
	if err != nil {
		return 0, err
	}
	if ms > 0 && ms < 1000 {
		return 0, fmt.Errorf("%w: %v is shorter than one second", ErrInvalidDuration, value)
	}
	return int(math.Round(ms / 1000)), nil
}

// MustSeconds is like Seconds but panics on invalid input.
// Useful for literals in configuration code.
func MustSeconds(value any) int {
	s, err := Seconds(value)
	if err != nil {
		panic(err)
	}
	return s
}

// Parse converts value into a time.Duration with millisecond precision.
func Parse(value any) (time.Duration, error) {
	ms, err := milliseconds(value)
	if err != nil {
		return 0, err
	}
	return time.Duration(math.Round(ms)) * time.Millisecond, nil
}

func milliseconds(value any) (float64, error) {
	var ms float64
	switch v := value.(type) {
	case int:
		ms = float64(v) * 1000
	case int32:
		ms = float64(v) * 1000
	case int64:
		ms = float64(v) * 1000
	case uint:
		ms = float64(v) * 1000
	case float32:
		ms = float64(v) * 1000
	case float64:
		ms = v * 1000
	case time.Duration:
		ms = float64(v) / float64(time.Millisecond)
	case string:
		parsed, err := parseExpr(v)
		if err != nil {
			return 0, err
		}
		ms = parsed
	case nil:
		return 0, fmt.Errorf("%w: missing value", ErrInvalidDuration)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidDuration, value)
	}

	if ms < 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDuration, value)
	}
	return ms, nil
}

func parseExpr(expr string) (float64, error) {
	normalized := strings.ToLower(strings.TrimSpace(expr))
	if normalized == "" {
		return 0, fmt.Errorf("%w: empty expression", ErrInvalidDuration)
	}

	if match := exprPattern.FindStringSubmatch(normalized); match != nil {
		if mult, ok := units[match[2]]; ok {
			n, err := strconv.ParseFloat(match[1], 64)
			if err == nil {
				return n * mult, nil
			}
		}
	}

	// go syntax, e.g. "1m30s"
	if d, err := time.ParseDuration(normalized); err == nil {
		return float64(d) / float64(time.Millisecond), nil
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, expr)
}
