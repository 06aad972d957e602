// Package calc provides the numeric helpers used when turning raw protocol
// values into metrics. Every helper works on optional operands and refuses to
// publish a negative result: none of the counters or ratios collected by
// hwsentry are expected to regress, so a negative value means a counter
// reset, clock skew or a bad sample.
package calc

import (
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// Ptr returns a pointer to v.
func Ptr(v float64) *float64 {
	return &v
}

// ParseFloat parses s as a float64 and returns nil when s is not a finite
// number.
func ParseFloat(s string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Subtract returns a - b.
func Subtract(metricName string, a, b *float64, hostname string) *float64 {
	if a == nil || b == nil {
		return nil
	}
	return checkNegative("subtract", metricName, *a-*b, hostname)
}

// Add returns a + b.
func Add(metricName string, a, b *float64, hostname string) *float64 {
	if a == nil || b == nil {
		return nil
	}
	return checkNegative("add", metricName, *a+*b, hostname)
}

// Multiply returns a * b.
func Multiply(metricName string, a, b *float64, hostname string) *float64 {
	if a == nil || b == nil {
		return nil
	}
	return checkNegative("multiply", metricName, *a**b, hostname)
}

// Divide returns a / b. A zero divisor yields nil.
func Divide(metricName string, a, b *float64, hostname string) *float64 {
	if a == nil || b == nil {
		return nil
	}
	if *b == 0 {
		slog.Debug("division by zero, value dropped",
			"metric", metricName,
			"hostname", hostname,
			"dividend", *a,
		)
		return nil
	}
	return checkNegative("divide", metricName, *a / *b, hostname)
}

// Rate computes (v - vPrev) / (t - tPrev). Any missing operand, a negative
// delta or a zero time delta yields nil.
func Rate(metricName string, v, vPrev, t, tPrev *float64, hostname string) *float64 {
	return Divide(metricName, Subtract(metricName, v, vPrev, hostname), Subtract(metricName, t, tPrev, hostname), hostname)
}

func checkNegative(op, metricName string, result float64, hostname string) *float64 {
	if math.IsNaN(result) || math.IsInf(result, 0) {
		slog.Warn("non-finite result suppressed",
			"operation", op,
			"metric", metricName,
			"hostname", hostname,
		)
		return nil
	}
	if result < 0 {
		slog.Warn("negative result suppressed",
			"operation", op,
			"metric", metricName,
			"hostname", hostname,
			"result", result,
		)
		return nil
	}
	return &result
}
