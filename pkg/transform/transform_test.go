package transform

import "testing"

func TestApplyAssignsDottedTargetPath(t *testing.T) {
	m := Mapping{Assign: map[string]string{
		"invoice.id": "invoice_id",
	}}
	src := map[string]any{"invoice_id": "INV-1"}

	out, err := Apply(m, src)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	invoice, ok := out["invoice"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested invoice object, got %v", out)
	}
	if invoice["id"] != "INV-1" {
		t.Fatalf("expected INV-1, got %v", invoice["id"])
	}
}

func TestEvalStringLiteral(t *testing.T) {
	v, err := Eval("'usd'", nil)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v != "usd" {
		t.Fatalf("expected usd, got %v", v)
	}
}

func TestEvalPathWithArrayIndex(t *testing.T) {
	src := map[string]any{
		"tool_calls": []any{
			map[string]any{"function": map[string]any{"name": "create_invoice"}},
		},
	}
	v, err := Eval("tool_calls[0].function.name", src)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v != "create_invoice" {
		t.Fatalf("expected create_invoice, got %v", v)
	}
}

func TestEvalMissingPathReturnsNilNotError(t *testing.T) {
	v, err := Eval("nonexistent.path", map[string]any{})
	if err != nil {
		t.Fatalf("expected no error for missing path, got %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil, got %v", v)
	}
}

func TestEvalFunctionCallToMinor(t *testing.T) {
	src := map[string]any{"amount": 19.99, "currency": "USD"}
	v, err := Eval("to_minor(amount, currency)", src)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v != int64(1999) {
		t.Fatalf("expected 1999, got %v", v)
	}
}

func TestEvalUnknownFunctionErrors(t *testing.T) {
	_, err := Eval("not_a_real_function(1)", map[string]any{})
	if err == nil {
		t.Fatal("expected error for unknown function")
	}
}

func TestToMinorTruncatesTowardZero(t *testing.T) {
	if got := ToMinor(19.999, "USD"); got != 1999 {
		t.Fatalf("expected truncation to 1999, got %d", got)
	}
}

func TestToMinorHandlesZeroDecimalCurrency(t *testing.T) {
	if got := ToMinor(500, "JPY"); got != 500 {
		t.Fatalf("expected 500 for JPY (0 decimal places), got %d", got)
	}
}

func TestToMinorDefaultsToTwoDecimalsForUnknownCurrency(t *testing.T) {
	if got := ToMinor(10.5, "XYZ"); got != 1050 {
		t.Fatalf("expected 1050 for unknown currency default scale, got %d", got)
	}
}

func TestGuardDefaultAllowsOnlyToMinor(t *testing.T) {
	var g *Guard
	ok, err := g.Allows("to_minor")
	if err != nil || !ok {
		t.Fatalf("expected to_minor allowed by default, got ok=%v err=%v", ok, err)
	}
	ok, err = g.Allows("eval_arbitrary_code")
	if err != nil || ok {
		t.Fatalf("expected unknown function denied by default, got ok=%v err=%v", ok, err)
	}
}

func TestGuardCustomExpression(t *testing.T) {
	g, err := NewGuard(`name == "to_minor" || name == "uppercase"`)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	ok, err := g.Allows("uppercase")
	if err != nil || !ok {
		t.Fatalf("expected uppercase allowed, got ok=%v err=%v", ok, err)
	}
	ok, err = g.Allows("delete_everything")
	if err != nil || ok {
		t.Fatalf("expected delete_everything denied, got ok=%v err=%v", ok, err)
	}
}
