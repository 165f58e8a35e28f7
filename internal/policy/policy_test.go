package policy

import (
	"testing"

	"cargosure/internal/config"
	"cargosure/internal/domain"
)

func defaultThresholds() config.Thresholds {
	return config.Thresholds{Shock: 4, Temp: 4, Humidity: 4}
}

func readings(samples ...domain.TelemetryReading) []domain.TelemetryReading {
	return samples
}

func TestEvaluateShockUnderThreshold(t *testing.T) {
	v, err := Evaluate(domain.ConditionShock, defaultThresholds(), readings(
		domain.TelemetryReading{Shock: 1},
		domain.TelemetryReading{Shock: 2},
	))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Breached {
		t.Fatalf("expected no breach for shocks under threshold")
	}
}

func TestEvaluateShockAtThreshold(t *testing.T) {
	v, err := Evaluate(domain.ConditionShock, defaultThresholds(), readings(
		domain.TelemetryReading{Shock: 1},
		domain.TelemetryReading{Shock: 2},
		domain.TelemetryReading{Shock: 4},
	))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Breached || v.Dimension != DimShock {
		t.Fatalf("expected shock breach, got %+v", v)
	}
}

func TestEvaluateAllDimensionsUnderThreshold(t *testing.T) {
	samples := readings(
		domain.TelemetryReading{Shock: 3.9, Temp: 3.9, Humidity: 3.9},
		domain.TelemetryReading{Shock: 0, Temp: 2, Humidity: 1},
	)
	for code := domain.ConditionShock; code <= domain.ConditionAny; code++ {
		v, err := Evaluate(code, defaultThresholds(), samples)
		if err != nil {
			t.Fatalf("code %d: %v", code, err)
		}
		if v.Breached {
			t.Fatalf("code %d: unexpected breach", code)
		}
	}
}

func TestEvaluateAnyOf(t *testing.T) {
	v, err := Evaluate(domain.ConditionAny, defaultThresholds(), readings(
		domain.TelemetryReading{Shock: 0, Temp: 0, Humidity: 0},
		domain.TelemetryReading{Shock: 0, Temp: 4, Humidity: 0},
	))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Breached || v.Dimension != DimTemp {
		t.Fatalf("expected temp breach via any-of, got %+v", v)
	}
}

func TestEvaluateAnyOfAllZero(t *testing.T) {
	v, err := Evaluate(domain.ConditionAny, defaultThresholds(), readings(
		domain.TelemetryReading{},
		domain.TelemetryReading{},
	))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Breached {
		t.Fatalf("expected undetermined verdict for all-zero readings")
	}
}

func TestEvaluateEmptyReadings(t *testing.T) {
	v, err := Evaluate(domain.ConditionShock, defaultThresholds(), nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Breached {
		t.Fatalf("empty evidence must not breach")
	}
}

func TestEvaluateConditionNone(t *testing.T) {
	v, err := Evaluate(domain.ConditionNone, defaultThresholds(), readings(
		domain.TelemetryReading{Shock: 4, Temp: 4, Humidity: 4},
	))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Breached {
		t.Fatalf("condition 0 never breaches")
	}
}

func TestEvaluateUnknownCode(t *testing.T) {
	if _, err := Evaluate(9, defaultThresholds(), nil); err == nil {
		t.Fatalf("expected error for unknown condition code")
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	samples := readings(
		domain.TelemetryReading{Shock: 2, Temp: 4},
		domain.TelemetryReading{Shock: 4, Temp: 1},
	)
	first, err := Evaluate(domain.ConditionAny, defaultThresholds(), samples)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := Evaluate(domain.ConditionAny, defaultThresholds(), samples)
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("verdict changed between runs: %+v vs %+v", first, again)
		}
	}
}
