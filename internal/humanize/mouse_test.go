package humanize

import (
	"math"
	"testing"
)

func TestGenerateBezierPath(t *testing.T) {
	tests := []struct {
		name      string
		start     Point
		end       Point
		numPoints int
	}{
		{
			name:      "typical movement",
			start:     Point{X: 0, Y: 0},
			end:       Point{X: 500, Y: 300},
			numPoints: 20,
		},
		{
			name:      "zero distance",
			start:     Point{X: 100, Y: 100},
			end:       Point{X: 100, Y: 100},
			numPoints: 10,
		},
		{
			name:      "tiny point count clamps to two",
			start:     Point{X: 0, Y: 0},
			end:       Point{X: 50, Y: 50},
			numPoints: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := generateBezierPath(tt.start, tt.end, tt.numPoints)

			wantLen := tt.numPoints
			if wantLen < 2 {
				wantLen = 2
			}
			if len(path) != wantLen {
				t.Fatalf("len(path) = %d, want %d", len(path), wantLen)
			}

			first, last := path[0], path[len(path)-1]
			if math.Abs(first.X-tt.start.X) > 0.001 || math.Abs(first.Y-tt.start.Y) > 0.001 {
				t.Errorf("path starts at (%v, %v), want start point", first.X, first.Y)
			}
			if math.Abs(last.X-tt.end.X) > 0.001 || math.Abs(last.Y-tt.end.Y) > 0.001 {
				t.Errorf("path ends at (%v, %v), want end point", last.X, last.Y)
			}

			for i, p := range path {
				if math.IsNaN(p.X) || math.IsNaN(p.Y) {
					t.Fatalf("path[%d] has NaN coordinates", i)
				}
			}
		})
	}
}

func TestGenerateBezierPathIsCurved(t *testing.T) {
	// Over many runs at least one path should deviate from the straight
	// line, otherwise the control-point randomization is broken.
	start := Point{X: 0, Y: 0}
	end := Point{X: 1000, Y: 0}

	deviated := false
	for run := 0; run < 20 && !deviated; run++ {
		path := generateBezierPath(start, end, 30)
		for _, p := range path {
			if math.Abs(p.Y) > 1.0 {
				deviated = true
				break
			}
		}
	}
	if !deviated {
		t.Error("no generated path ever deviated from the straight line")
	}
}

func TestEaseInOutCubic(t *testing.T) {
	if got := easeInOutCubic(0); got != 0 {
		t.Errorf("easeInOutCubic(0) = %v, want 0", got)
	}
	if got := easeInOutCubic(1); math.Abs(got-1) > 0.001 {
		t.Errorf("easeInOutCubic(1) = %v, want 1", got)
	}
	if got := easeInOutCubic(0.5); math.Abs(got-0.5) > 0.001 {
		t.Errorf("easeInOutCubic(0.5) = %v, want 0.5", got)
	}

	// Monotonic on [0, 1].
	prev := -0.001
	for i := 0; i <= 100; i++ {
		v := easeInOutCubic(float64(i) / 100)
		if v < prev {
			t.Fatalf("easeInOutCubic not monotonic at t=%v", float64(i)/100)
		}
		prev = v
	}
}

func TestDefaultMouseConfig(t *testing.T) {
	cfg := DefaultMouseConfig()
	if cfg.MinSteps <= 0 || cfg.MaxSteps < cfg.MinSteps {
		t.Errorf("step bounds invalid: %d..%d", cfg.MinSteps, cfg.MaxSteps)
	}
	if cfg.ClickOffsetRadius <= 0 {
		t.Errorf("ClickOffsetRadius = %v, want positive", cfg.ClickOffsetRadius)
	}
}
