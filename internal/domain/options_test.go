package domain

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestParseLength(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want float64
		err  bool
	}{
		{name: "empty is zero", in: "", want: 0},
		{name: "bare number is inches", in: "0.4", want: 0.4},
		{name: "inches", in: "1in", want: 1},
		{name: "centimeters", in: "2.54cm", want: 1},
		{name: "millimeters", in: "25.4mm", want: 1},
		{name: "pixels", in: "96px", want: 1},
		{name: "spaced", in: " 1 in", want: 1},
		{name: "garbage", in: "abc", err: true},
		{name: "unit only", in: "cm", err: true},
		{name: "negative", in: "-1cm", err: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseLength(tc.in)
			if tc.err {
				if err == nil {
					t.Fatalf("ParseLength(%q) expected error, got %v", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLength(%q) failed: %v", tc.in, err)
			}
			if !almostEqual(got, tc.want) {
				t.Fatalf("ParseLength(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestMarginInches(t *testing.T) {
	m := Margin{Top: "1in", Bottom: "2.54cm", Left: "25.4mm", Right: "96px"}
	top, bottom, left, right, err := m.Inches()
	if err != nil {
		t.Fatalf("Inches failed: %v", err)
	}
	for i, v := range []float64{top, bottom, left, right} {
		if !almostEqual(v, 1) {
			t.Fatalf("margin %d = %v, want 1", i, v)
		}
	}

	m.Left = "bad"
	if _, _, _, _, err := m.Inches(); err == nil {
		t.Fatalf("expected error for invalid margin")
	}
}

func TestWithHeaderFooterCopies(t *testing.T) {
	base := RenderOptions{Format: "A4", Margin: Margin{Top: "1cm"}}

	withHeader := base.WithHeader("<div>H</div>")
	if !withHeader.DisplayHeaderFooter || withHeader.HeaderTemplate != "<div>H</div>" {
		t.Fatalf("unexpected header overlay: %+v", withHeader)
	}

	withFooter := base.WithFooter("<div>F</div>")
	if !withFooter.DisplayHeaderFooter || withFooter.FooterTemplate != "<div>F</div>" {
		t.Fatalf("unexpected footer overlay: %+v", withFooter)
	}

	// The base record must stay untouched.
	if base.DisplayHeaderFooter || base.HeaderTemplate != "" || base.FooterTemplate != "" {
		t.Fatalf("base options mutated: %+v", base)
	}
}

func TestRenderOptionsValidate(t *testing.T) {
	ok := RenderOptions{Margin: Margin{Top: "1cm", Bottom: "1cm", Left: "1cm", Right: "1cm"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid options, got %v", err)
	}
	bad := RenderOptions{Margin: Margin{Top: "wat"}}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}
