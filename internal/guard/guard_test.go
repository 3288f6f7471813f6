package guard

import (
	"errors"
	"sync"
	"testing"

	"github.com/me/tdl/pkg/model"
)

func TestEvaluate(t *testing.T) {
	e := New()
	scope := map[string]any{
		"speed":  42,
		"limit":  40.5,
		"manual": false,
		"ctrl":   map[string]any{"out": "brake"},
	}

	tests := []struct {
		name    string
		expr    string
		want    bool
		wantErr bool
	}{
		{"comparison", "speed > limit", true, false},
		{"conjunction", "speed > limit && manual", false, false},
		{"negation", "!manual", true, false},
		{"nested", `ctrl.out === "brake"`, true, false},
		{"literal", "true", true, false},
		{"number result", "speed + 1", false, true},
		{"undefined variable", "ghost > 1", false, true},
		{"syntax error", "speed >", false, true},
		{"null result", "null", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, scope)
			if tt.wantErr {
				var ge *model.GuardError
				if !errors.As(err, &ge) {
					t.Fatalf("error = %v, want GuardError", err)
				}
				if ge.Expr != tt.expr {
					t.Errorf("Expr = %q, want %q", ge.Expr, tt.expr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestValue(t *testing.T) {
	e := New("function clamp(v, lo, hi) { return Math.min(Math.max(v, lo), hi); }")
	scope := map[string]any{"time": 0.5, "v": 12}

	tests := []struct {
		expr string
		want any
	}{
		{"v * 2", int64(24)},
		{"time * 3", float64(1.5)},
		{"clamp(v, 0, 10)", int64(10)},
		{`"on"`, "on"},
		{"undefined", nil},
	}
	for _, tt := range tests {
		got, err := e.Value(tt.expr, scope)
		if err != nil {
			t.Fatalf("Value(%q): %v", tt.expr, err)
		}
		if got != tt.want {
			t.Errorf("Value(%q) = %#v, want %#v", tt.expr, got, tt.want)
		}
	}
}

func TestCheck(t *testing.T) {
	e := New()
	if err := e.Check("a > 1 && b"); err != nil {
		t.Errorf("Check(valid): %v", err)
	}
	if err := e.Check("a >"); err == nil {
		t.Error("Check(invalid) succeeded")
	}
}

func TestEvaluate_Concurrent(t *testing.T) {
	e := New()
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := e.Evaluate("n % 2 == 0", map[string]any{"n": i})
			if err != nil {
				errs <- err
				return
			}
			if ok != (i%2 == 0) {
				errs <- errors.New("wrong result")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
