package swap

import (
	"testing"

	xerrors "AutoSwap-Chain/internal/errors"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1", "1000000000000000000"},
		{"25.5", "25500000000000000000"},
		{"0.000000000000000001", "1"},
		{"100", "100000000000000000000"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseAmount(tc.in)
			if err != nil {
				t.Fatalf("parseAmount(%q): %v", tc.in, err)
			}
			if got.String() != tc.want {
				t.Fatalf("parseAmount(%q) = %s, want %s", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseAmountRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "0", "0.0", "abc", "1.0000000000000000001", "1.2.3"} {
		t.Run(in, func(t *testing.T) {
			_, err := parseAmount(in)
			if err == nil {
				t.Fatalf("parseAmount(%q) should fail", in)
			}
			if code := xerrors.CodeOf(err); code != xerrors.CodeValidation {
				t.Fatalf("unexpected code %s", code)
			}
		})
	}
}

func TestParseToken(t *testing.T) {
	if _, err := parseToken("0x49c4f4b258b715a4d50e6642f325946e62a6b7ba"); err != nil {
		t.Fatalf("valid address rejected: %v", err)
	}
	if _, err := parseToken("USDC"); err == nil {
		t.Fatalf("symbol should be rejected")
	}
}
