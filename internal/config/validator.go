// Package config validates configuration structs. Invalid fields are
// not errors: they are collected as anomalies, logged, and replaced
// with a safe fallback so a device never fails to come up over a bad
// knob.
package config

import (
	"iter"
	"slices"

	"github.com/elements-storage/AudioLoopback/internal"
)

// Config is what a configuration struct must implement to be
// validated.
type Config interface {
	// Validate checks the configuration.
	Validate(ac *AnomalyCollector)
}

type anomaly struct {
	field    string
	reason   string
	actual   any
	fallback any
}

// AnomalyCollector accumulates the invalid fields found during a
// validation pass.
type AnomalyCollector struct {
	anomalies []*anomaly
}

func newAnomalyCollector() *AnomalyCollector {
	return &AnomalyCollector{}
}

func (ac *AnomalyCollector) add(field, reason string, actual, fallback any) {
	ac.anomalies = append(ac.anomalies, &anomaly{
		field:    field,
		reason:   reason,
		actual:   actual,
		fallback: fallback,
	})
}

func (ac *AnomalyCollector) iter() iter.Seq[*anomaly] {
	return slices.Values(ac.anomalies)
}

// Validator runs a configuration's checks and logs every anomaly with
// the value that replaced the invalid one.
type Validator struct {
	tel *internal.Telemetry

	anomalyCollector *AnomalyCollector
}

// NewValidator returns a new validator logging through tel.
func NewValidator(tel *internal.Telemetry) *Validator {
	return &Validator{
		tel: tel,

		anomalyCollector: newAnomalyCollector(),
	}
}

// Validate validates the given configuration.
func (v *Validator) Validate(config Config) {
	config.Validate(v.anomalyCollector)

	for an := range v.anomalyCollector.iter() {
		v.tel.LogWarn("config anomaly",
			"field", an.field, "reason", an.reason,
			"actual", an.actual, "fallback", an.fallback)
	}
}
