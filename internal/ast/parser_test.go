package ast

import "testing"

func mustParse(t *testing.T, src string) Expr {
	t.Helper()
	e, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): unexpected error: %v", src, err)
	}
	return e
}

func TestParsePrecedence(t *testing.T) {
	e := mustParse(t, "1 + 2 * 3")
	bin, ok := e.(*Binary)
	if !ok || bin.Op != Add {
		t.Fatalf("expected top-level +, got %v", e)
	}
	rhs, ok := bin.Right.(*Binary)
	if !ok || rhs.Op != Mul {
		t.Fatalf("expected right operand to be *, got %v", bin.Right)
	}
}

func TestParseParens(t *testing.T) {
	e := mustParse(t, "(1 + 2) * 3")
	bin, ok := e.(*Binary)
	if !ok || bin.Op != Mul {
		t.Fatalf("expected top-level *, got %v", e)
	}
	if _, ok := bin.Left.(*Binary); !ok {
		t.Fatalf("expected left operand to be a binary expr, got %v", bin.Left)
	}
}

func TestParseUnaryMinus(t *testing.T) {
	e := mustParse(t, "-x + 1")
	bin, ok := e.(*Binary)
	if !ok || bin.Op != Add {
		t.Fatalf("expected top-level +, got %v", e)
	}
	if _, ok := bin.Left.(*Unary); !ok {
		t.Fatalf("expected left operand to be unary minus, got %v", bin.Left)
	}
}

func TestParseFunctionCall(t *testing.T) {
	e := mustParse(t, "pow(x, 2) + sin(y)")
	bin, ok := e.(*Binary)
	if !ok || bin.Op != Add {
		t.Fatalf("expected top-level +, got %v", e)
	}
	call, ok := bin.Left.(*Call)
	if !ok || call.Name != "pow" || len(call.Args) != 2 {
		t.Fatalf("expected pow(x, 2) on the left, got %v", bin.Left)
	}
}

func TestParseVariable(t *testing.T) {
	e := mustParse(t, "value_1")
	v, ok := e.(*Variable)
	if !ok || v.Name != "value_1" {
		t.Fatalf("expected variable value_1, got %v", e)
	}
}

func TestParseErrorUnbalancedParen(t *testing.T) {
	_, err := Parse("(1 + 2")
	if err == nil {
		t.Fatalf("expected a parse error for an unbalanced paren")
	}
}

func TestParseErrorDanglingOperator(t *testing.T) {
	_, err := Parse("1 +")
	if err == nil {
		t.Fatalf("expected a parse error for a dangling operator")
	}
}

func TestParseErrorTrailingTokens(t *testing.T) {
	_, err := Parse("1 + 2 3")
	if err == nil {
		t.Fatalf("expected a parse error for trailing tokens")
	}
}
