package expr

import (
	"math"
	"testing"
)

func evalOrFatal(t *testing.T, src string, vars map[string]float64) float64 {
	t.Helper()
	e, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile(%q): %v", src, err)
	}
	defer e.Close()
	return e.Eval(vars)
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEvalArithmetic(t *testing.T) {
	got := evalOrFatal(t, "1 + 2 * 3", nil)
	if !approxEqual(got, 7) {
		t.Fatalf("1 + 2 * 3 = %v, want 7", got)
	}
}

func TestEvalVariables(t *testing.T) {
	got := evalOrFatal(t, "a * a + b * b", map[string]float64{"a": 3, "b": 4})
	if !approxEqual(got, 25) {
		t.Fatalf("a*a+b*b with a=3,b=4 = %v, want 25", got)
	}
}

func TestEvalUnaryMinus(t *testing.T) {
	got := evalOrFatal(t, "-x + 10", map[string]float64{"x": 4})
	if !approxEqual(got, 6) {
		t.Fatalf("-x+10 with x=4 = %v, want 6", got)
	}
}

func TestEvalParenPrecedence(t *testing.T) {
	got := evalOrFatal(t, "(1 + 2) * (3 + 4)", nil)
	if !approxEqual(got, 21) {
		t.Fatalf("(1+2)*(3+4) = %v, want 21", got)
	}
}

func TestEvalFunctionCall(t *testing.T) {
	got := evalOrFatal(t, "sqrt(x)", map[string]float64{"x": 16})
	if !approxEqual(got, 4) {
		t.Fatalf("sqrt(16) = %v, want 4", got)
	}
}

func TestEvalAbsFunctionCall(t *testing.T) {
	got := evalOrFatal(t, "abs(x)", map[string]float64{"x": -3.5})
	if !approxEqual(got, 3.5) {
		t.Fatalf("abs(-3.5) = %v, want 3.5", got)
	}
}

func TestEvalTwoArgFunctionCall(t *testing.T) {
	got := evalOrFatal(t, "pow(x, 2)", map[string]float64{"x": 5})
	if !approxEqual(got, 25) {
		t.Fatalf("pow(5, 2) = %v, want 25", got)
	}
}

func TestEvalValueLiveAcrossCall(t *testing.T) {
	// (a + b) must be spilled across the sin() call, per regalloc's
	// forced-spill pass, and still be correct afterward.
	got := evalOrFatal(t, "(a + b) + sin(c)", map[string]float64{"a": 2, "b": 3, "c": 0})
	if !approxEqual(got, 5) {
		t.Fatalf("(a+b)+sin(0) with a=2,b=3 = %v, want 5", got)
	}
}

func TestEvalNestedCalls(t *testing.T) {
	got := evalOrFatal(t, "sqrt(pow(x, 2) + pow(y, 2))", map[string]float64{"x": 3, "y": 4})
	if !approxEqual(got, 5) {
		t.Fatalf("sqrt(x^2+y^2) with x=3,y=4 = %v, want 5", got)
	}
}

func TestEvalMissingVariableDefaultsToZero(t *testing.T) {
	got := evalOrFatal(t, "x + 1", nil)
	if !approxEqual(got, 1) {
		t.Fatalf("x+1 with x unset = %v, want 1 (x defaults to 0)", got)
	}
}

func TestEvalRepeatedVariableSharesSlot(t *testing.T) {
	got := evalOrFatal(t, "x + x + x", map[string]float64{"x": 2})
	if !approxEqual(got, 6) {
		t.Fatalf("x+x+x with x=2 = %v, want 6", got)
	}
}

func TestCompileParseErrorPropagates(t *testing.T) {
	_, err := Compile("1 +")
	if err == nil {
		t.Fatalf("expected a parse error for a dangling operator")
	}
}

func TestCompileUnknownFunction(t *testing.T) {
	_, err := Compile("frobnicate(x)")
	if err == nil {
		t.Fatalf("expected an unknown-function error")
	}
	if _, ok := err.(*ErrUnknownFunction); !ok {
		t.Fatalf("expected *ErrUnknownFunction, got %T", err)
	}
}

func TestCompileArityMismatch(t *testing.T) {
	_, err := Compile("pow(x)")
	if err == nil {
		t.Fatalf("expected an arity error for pow with one argument")
	}
	if _, ok := err.(*ErrArity); !ok {
		t.Fatalf("expected *ErrArity, got %T", err)
	}
}

func TestEvalNegationOfPositiveZeroYieldsNegativeZero(t *testing.T) {
	got := evalOrFatal(t, "-x", map[string]float64{"x": 0.0})
	if got != 0 || !math.Signbit(got) {
		t.Fatalf("-(+0.0) should be -0.0 (zero with the sign bit set), got %v (signbit=%v)", got, math.Signbit(got))
	}
}

func TestEvalNegationOfNegativeZeroYieldsPositiveZero(t *testing.T) {
	got := evalOrFatal(t, "-x", map[string]float64{"x": math.Copysign(0, -1)})
	if got != 0 || math.Signbit(got) {
		t.Fatalf("-(-0.0) should be +0.0 (zero with the sign bit clear), got %v (signbit=%v)", got, math.Signbit(got))
	}
}

func TestEvalNegationFlipsNaNSignBitOnly(t *testing.T) {
	x := math.NaN()
	got := evalOrFatal(t, "-x", map[string]float64{"x": x})
	if !math.IsNaN(got) {
		t.Fatalf("-NaN should still be NaN, got %v", got)
	}
	if math.Signbit(got) == math.Signbit(x) {
		t.Fatalf("negating NaN should flip its sign bit: signbit(x)=%v, signbit(-x)=%v", math.Signbit(x), math.Signbit(got))
	}
}

func TestEvalDoubleNegationRecoversOriginalValue(t *testing.T) {
	got := evalOrFatal(t, "-(-x)", map[string]float64{"x": 3.5})
	if !approxEqual(got, 3.5) {
		t.Fatalf("-(-3.5) = %v, want 3.5", got)
	}
}

// TestEndToEndScenarios exercises every scenario named as a compiled
// end-to-end case, including the deeply nested, high-register-pressure
// expression that drives every value through the allocator's spill
// path, and the transcendental identity sin(0)+cos(0) == 1.
func TestEndToEndScenarios(t *testing.T) {
	cases := []struct {
		name string
		expr string
		vars map[string]float64
		want float64
		tol  float64
	}{
		{"addition", "a + b", map[string]float64{"a": 4.0, "b": 18.0}, 22.0, 1e-5},
		{"subtraction", "a - b", map[string]float64{"a": 4.0, "b": 18.0}, -14.0, 1e-5},
		{"literal addition", "a + 4.0", map[string]float64{"a": 4.0}, 8.0, 1e-5},
		{"literal multiplication", "a * 4.0", map[string]float64{"a": 16.0}, 64.0, 1e-5},
		{
			"high register pressure",
			"(d/f) / ((c-e)/((b/f)/((a/b) - (((a - ((b-e)/((c/e)/(a-f)))) / ((d-e) - (f - (a/b)))) - ((c-(d/f)) / (((e/b) - (f/a)) / (b-(c-d))))) / (c-d))))",
			map[string]float64{"a": 10, "b": 9, "c": 8, "d": 7, "e": 6, "f": 5},
			0.003968773703576324,
			1e-5,
		},
		{"sqrt", "sqrt(a)", map[string]float64{"a": 16.0}, 4.0, 1e-5},
		{"sin plus cos identity", "sin(0.0) + cos(0.0)", nil, 1.0, 1e-12},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := evalOrFatal(t, c.expr, c.vars)
			if math.Abs(got-c.want) > c.tol {
				t.Fatalf("%s = %v, want %v (within %v)", c.expr, got, c.want, c.tol)
			}
		})
	}
}

func TestDisassemblyIsNonEmpty(t *testing.T) {
	e, err := Compile("a + b")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	defer e.Close()
	if len(e.Disassembly()) == 0 {
		t.Fatalf("expected non-empty disassembly text")
	}
	if len(e.MachineCode()) == 0 {
		t.Fatalf("expected non-empty machine code")
	}
}
