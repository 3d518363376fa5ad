// Package environment reads bestii configuration from environment variables.
//
// Every helper returns the parsed value or the supplied default; malformed
// values fall back to the default instead of failing. Only RequiredString and
// OneOf report errors, and they never exit the process.
package environment

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Prefix is prepended by Key to build the conventional variable names.
const Prefix = "BESTII_"

// Key returns the conventional variable name for a setting, e.g.
// Key("database_path") == "BESTII_DATABASE_PATH".
func Key(setting string) string {
	return Prefix + strings.ToUpper(setting)
}

// String returns the value of the named variable and whether it was set,
// even to the empty string.
func String(name string) (string, bool) {
	return os.LookupEnv(name)
}

// StringOr returns the named variable, or defaultValue when it is unset or empty.
func StringOr(name, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return defaultValue
}

// RequiredString returns the named variable or an error when it is unset or empty.
func RequiredString(name string) (string, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", fmt.Errorf("environment: required variable %q is not set", name)
	}
	return v, nil
}

// OneOf returns the named variable when it matches one of allowed, the
// default when it is unset, and an error for any other value.
func OneOf(name, defaultValue string, allowed ...string) (string, error) {
	v := strings.ToLower(StringOr(name, defaultValue))
	if !slices.Contains(allowed, v) {
		return "", fmt.Errorf("environment: %s=%q must be one of %s", name, v, strings.Join(allowed, ", "))
	}
	return v, nil
}

// BoolOr parses the named variable with strconv.ParseBool.
func BoolOr(name string, defaultValue bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// IntOr parses the named variable as a decimal integer.
func IntOr(name string, defaultValue int) int {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defaultValue
	}
	return n
}

// FloatOr parses the named variable as a float64. Used for sampling
// parameters such as temperature.
func FloatOr(name string, defaultValue float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// DurationOr parses the named variable as a time.Duration ("30s", "5m").
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return defaultValue
	}
	return d
}
