package policy

import (
	"fmt"

	"cargosure/internal/config"
	"cargosure/internal/domain"
)

// Verdict is the result of evaluating a reading sequence against a condition
// code. An empty reading sequence always yields Breached=false; callers must
// treat that as undetermined evidence, not a rejection.
type Verdict struct {
	Breached  bool
	Dimension string
}

// Dimension names reported in verdicts and claim evaluations.
const (
	DimShock    = "shock"
	DimTemp     = "temp"
	DimHumidity = "hum"
)

// Evaluate maps a condition code and an ordered reading sequence to a
// verdict. It is pure: same inputs, same verdict. A dimension breaches when
// any reading's magnitude meets or exceeds its threshold.
func Evaluate(code int, thresholds config.Thresholds, readings []domain.TelemetryReading) (Verdict, error) {
	if !domain.ValidCondition(code) {
		return Verdict{}, fmt.Errorf("unknown condition code %d", code)
	}
	if code == domain.ConditionNone || len(readings) == 0 {
		return Verdict{}, nil
	}
	if code == domain.ConditionAny {
		for _, single := range []int{domain.ConditionShock, domain.ConditionTemp, domain.ConditionHumidity} {
			v, err := Evaluate(single, thresholds, readings)
			if err != nil {
				return Verdict{}, err
			}
			if v.Breached {
				return v, nil
			}
		}
		return Verdict{}, nil
	}
	threshold, _ := thresholds.For(code)
	for _, r := range readings {
		if magnitude(code, r) >= threshold {
			return Verdict{Breached: true, Dimension: dimensionName(code)}, nil
		}
	}
	return Verdict{}, nil
}

func magnitude(code int, r domain.TelemetryReading) float64 {
	switch code {
	case domain.ConditionShock:
		return r.Shock
	case domain.ConditionTemp:
		return r.Temp
	case domain.ConditionHumidity:
		return r.Humidity
	}
	return 0
}

func dimensionName(code int) string {
	switch code {
	case domain.ConditionShock:
		return DimShock
	case domain.ConditionTemp:
		return DimTemp
	case domain.ConditionHumidity:
		return DimHumidity
	}
	return ""
}
