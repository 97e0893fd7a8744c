package store

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseDecs(t *testing.T) {
	var a, b decimal.Decimal
	err := parseDecs([]*decimal.Decimal{&a, &b}, []string{"1.50", "-2.25"})
	if err != nil {
		t.Fatalf("parseDecs failed: %v", err)
	}
	if !a.Equal(decimal.NewFromFloat(1.5)) || !b.Equal(decimal.NewFromFloat(-2.25)) {
		t.Errorf("parsed %s, %s", a, b)
	}
}

func TestParseDecs_RejectsCorruptValue(t *testing.T) {
	var a decimal.Decimal
	if err := parseDecs([]*decimal.Decimal{&a}, []string{"not-a-number"}); err == nil {
		t.Fatal("expected error for a value that is not numeric")
	}
}
