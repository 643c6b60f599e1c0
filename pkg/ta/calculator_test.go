package ta

import (
	"math"
	"testing"
)

func ramp(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out
}

func TestSMA(t *testing.T) {
	if got := SMA(ramp(10), 5); math.Abs(got-8) > 1e-9 {
		t.Fatalf("SMA=%v, expected 8", got)
	}
	if got := SMA(ramp(10), 1); got != 10 {
		t.Fatalf("SMA period 1=%v, expected 10", got)
	}
	if got := SMA(ramp(3), 5); !math.IsNaN(got) {
		t.Fatalf("SMA with short history=%v, expected NaN", got)
	}
}

func TestRSI(t *testing.T) {
	if got := RSI(ramp(14), RSIPeriod); !math.IsNaN(got) {
		t.Fatalf("RSI with 14 points=%v, expected NaN", got)
	}
	if got := RSI(ramp(30), RSIPeriod); math.Abs(got-100) > 1e-6 {
		t.Fatalf("RSI of a rising series=%v, expected 100", got)
	}

	falling := ramp(30)
	for i, j := 0, len(falling)-1; i < j; i, j = i+1, j-1 {
		falling[i], falling[j] = falling[j], falling[i]
	}
	if got := RSI(falling, RSIPeriod); math.Abs(got) > 1e-6 {
		t.Fatalf("RSI of a falling series=%v, expected 0", got)
	}
}

func TestHighest(t *testing.T) {
	if got := Highest([]float64{3, 9, 4, 1}); got != 9 {
		t.Fatalf("Highest=%v, expected 9", got)
	}
	if got := Highest([]float64{7}); got != 7 {
		t.Fatalf("Highest single=%v, expected 7", got)
	}
	if got := Highest(nil); !math.IsNaN(got) {
		t.Fatalf("Highest empty=%v, expected NaN", got)
	}
}
