package models

import "testing"

func TestNormalizeCode(t *testing.T) {
	if got := NormalizeCode("  ab-12c "); got != "AB-12C" {
		t.Fatalf("unexpected normalized code %q", got)
	}
}

func TestProductBeforeSaveNormalizes(t *testing.T) {
	p := &Product{Code: " x100 "}
	if err := p.BeforeSave(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Code != "X100" {
		t.Fatalf("expected uppercase code, got %q", p.Code)
	}
	if err := (&Product{Code: "  "}).BeforeSave(nil); err == nil {
		t.Fatalf("expected blank code to be rejected")
	}
}

func TestAliasBeforeSave(t *testing.T) {
	a := &ProductAlias{Code: "8412345", ProductCode: "x100"}
	if err := a.BeforeSave(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ProductCode != "X100" {
		t.Fatalf("expected target normalized, got %q", a.ProductCode)
	}
	if err := (&ProductAlias{Code: "x1", ProductCode: "X1"}).BeforeSave(nil); err == nil {
		t.Fatalf("expected self alias to be rejected")
	}
}
