package mcpserver

import (
	"strings"
	"testing"
)

func TestEvalExpr(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"2^8", 256},
		{"(2+2)*5", 20},
		{"1+1", 2},
		{"10-4-3", 3},
		{"2*3+4", 10},
		{"2+3*4", 14},
		{"7/2", 3.5},
		{"10%3", 1},
		{"2^3^2", 512},
		{"-5+3", -2},
		{"-(2+3)", -5},
		{"--4", 4},
		{"+7", 7},
		{"((1+2)*(3+4))", 21},
		{"0.5*4", 2},
		{"  2 + 2  ", 4},
		{"2^-1", 0.5},
	}

	for _, tt := range tests {
		got, err := evalExpr(tt.expr)
		if err != nil {
			t.Errorf("evalExpr(%q) returned error: %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("evalExpr(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvalExpr_Errors(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr string
	}{
		{"1/0", "division by zero"},
		{"5%0", "modulo by zero"},
		{"(1+2", "missing closing parenthesis"},
		{"1+", "unexpected end"},
		{"", "unexpected end"},
		{"2+abc", "unexpected"},
		{"1 2", "unexpected"},
	}

	for _, tt := range tests {
		_, err := evalExpr(tt.expr)
		if err == nil {
			t.Errorf("evalExpr(%q) expected error containing %q, got nil", tt.expr, tt.wantErr)
			continue
		}
		if !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("evalExpr(%q) error = %q, want substring %q", tt.expr, err, tt.wantErr)
		}
	}
}

func TestEvalExpr_NonFinite(t *testing.T) {
	if _, err := evalExpr("10^10^10"); err == nil {
		t.Fatal("expected non-finite result error")
	}
}

func TestFormatCalcResult(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{256, "256"},
		{20, "20"},
		{-3, "-3"},
		{0, "0"},
		{3.5, "3.5"},
		{0.1, "0.1"},
		{2.25, "2.25"},
	}

	for _, tt := range tests {
		if got := formatCalcResult(tt.in); got != tt.want {
			t.Errorf("formatCalcResult(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
