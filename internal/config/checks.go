package config

import (
	"fmt"
	"math/bits"
)

type ordered interface {
	~int | ~int32 | ~int64 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// CheckNotZero checks that the value is not zero.
// If it is, an anomaly is collected and the value is set to the
// fallback.
func CheckNotZero[T ordered](ac *AnomalyCollector, field string, actual *T, fallback T) {
	val := *actual
	if val == 0 {
		ac.add(field, "cannot be zero", val, fallback)
		*actual = fallback
	}
}

// CheckNotLower checks that the value is not lower than the target.
// If it is, an anomaly is collected and the value is set to the
// target.
func CheckNotLower[T ordered](ac *AnomalyCollector, field string, actual *T, target T) {
	val := *actual
	if val < target {
		ac.add(field, fmt.Sprintf("cannot be lower than %v", target), val, target)
		*actual = target
	}
}

// CheckNotEmpty checks that the value is not empty.
// If it is, an anomaly is collected and the value is set to the
// fallback.
func CheckNotEmpty(ac *AnomalyCollector, field string, actual *string, fallback string) {
	val := *actual
	if val == "" {
		ac.add(field, "cannot be empty", val, fallback)
		*actual = fallback
	}
}

// CheckPowerOfTwo checks that the value is a power of two, as ring
// capacities must be. If it is not, an anomaly is collected and the
// value is rounded up to the next power of two.
func CheckPowerOfTwo[T ~uint32](ac *AnomalyCollector, field string, actual *T) {
	val := *actual
	if val != 0 && val&(val-1) == 0 {
		return
	}

	rounded := T(1) << bits.Len32(uint32(val))
	if val == 0 {
		rounded = 1
	}

	ac.add(field, "must be a power of two", val, rounded)
	*actual = rounded
}
