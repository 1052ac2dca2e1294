// Package quality evaluates configured data-quality rules against
// curated Silver output. Rules with warn severity log and continue; fail
// severity surfaces a data-quality error that aborts the entity's run.
package quality

import (
	"go.uber.org/zap"

	"github.com/stratapipe/strata/pkg/config"
	"github.com/stratapipe/strata/pkg/errors"
	"github.com/stratapipe/strata/pkg/models"
)

// Violation is one breached rule.
type Violation struct {
	Rule     string  `json:"rule"`
	Type     string  `json:"type"`
	Column   string  `json:"column,omitempty"`
	Severity string  `json:"severity"`
	Measured float64 `json:"measured"`
	Message  string  `json:"message"`
}

// Checker evaluates an entity's configured rules.
type Checker struct {
	rules  []config.QualityRule
	keys   []string
	logger *zap.Logger
}

// NewChecker creates a checker for the entity's rules. naturalKeys feed
// the unique_key rule.
func NewChecker(rules []config.QualityRule, naturalKeys []string, logger *zap.Logger) *Checker {
	return &Checker{
		rules:  rules,
		keys:   naturalKeys,
		logger: logger.With(zap.String("component", "quality_checker")),
	}
}

// Check runs every rule over the curated records. Warn violations are
// logged and returned; the first fail violation also produces a
// data-quality error. The returned violations always cover all rules so
// callers can report the full picture.
func (c *Checker) Check(records []models.Record) ([]Violation, error) {
	var violations []Violation

	for _, rule := range c.rules {
		v, breached := c.evaluate(rule, records)
		if !breached {
			continue
		}
		violations = append(violations, v)
		c.logger.Warn("quality rule breached",
			zap.String("rule", v.Rule),
			zap.String("type", v.Type),
			zap.String("severity", v.Severity),
			zap.Float64("measured", v.Measured))
	}

	for _, v := range violations {
		if v.Severity == "fail" {
			return violations, errors.New(errors.ErrorTypeDataQuality, v.Message).
				WithDetail("rule", v.Rule).
				WithDetail("measured", v.Measured)
		}
	}
	return violations, nil
}

func (c *Checker) evaluate(rule config.QualityRule, records []models.Record) (Violation, bool) {
	severity := rule.Severity
	if severity == "" {
		severity = "warn"
	}
	v := Violation{Rule: rule.Name, Type: rule.Type, Column: rule.Column, Severity: severity}

	switch rule.Type {
	case "not_null":
		if len(records) == 0 {
			return v, false
		}
		nulls := 0
		for _, rec := range records {
			if val, ok := rec.Data[rule.Column]; !ok || val == nil {
				nulls++
			}
		}
		fraction := float64(nulls) / float64(len(records))
		if fraction > rule.Threshold {
			v.Measured = fraction
			v.Message = "null fraction exceeds threshold for column " + rule.Column
			return v, true
		}
	case "unique_key":
		seen := make(map[string]bool, len(records))
		dupes := 0
		for _, rec := range records {
			key := rec.KeyString(c.keys)
			if seen[key] {
				dupes++
			}
			seen[key] = true
		}
		if dupes > 0 {
			v.Measured = float64(dupes)
			v.Message = "duplicate natural keys in output"
			return v, true
		}
	case "min_rows":
		if float64(len(records)) < rule.Threshold {
			v.Measured = float64(len(records))
			v.Message = "row count below minimum"
			return v, true
		}
	case "max_rows":
		if float64(len(records)) > rule.Threshold {
			v.Measured = float64(len(records))
			v.Message = "row count above maximum"
			return v, true
		}
	}
	return v, false
}
