package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// PaperSize describes a page format in inches.
type PaperSize struct {
	Width  float64 `yaml:"width" json:"width"`
	Height float64 `yaml:"height" json:"height"`
}

// Margin holds the four page margins as length strings with an optional
// unit suffix ("1cm", "10mm", "0.4in", "20px"). A bare number is inches.
type Margin struct {
	Top    string `yaml:"top" json:"top"`
	Bottom string `yaml:"bottom" json:"bottom"`
	Left   string `yaml:"left" json:"left"`
	Right  string `yaml:"right" json:"right"`
}

// RenderOptions is a fully resolved bundle of PDF layout settings. Values of
// this type are copied per request; the preset registry's stored records are
// never handed out by reference.
type RenderOptions struct {
	Format              string `yaml:"format" json:"format"`
	Landscape           bool   `yaml:"landscape" json:"landscape"`
	Margin              Margin `yaml:"margin" json:"margin"`
	PrintBackground     bool   `yaml:"print_background" json:"printBackground"`
	DisplayHeaderFooter bool   `yaml:"display_header_footer" json:"displayHeaderFooter"`
	HeaderTemplate      string `yaml:"header_template" json:"headerTemplate,omitempty"`
	FooterTemplate      string `yaml:"footer_template" json:"footerTemplate,omitempty"`
}

// WithHeader returns a copy of o with the header template applied and
// header/footer display switched on.
func (o RenderOptions) WithHeader(tpl string) RenderOptions {
	o.HeaderTemplate = tpl
	o.DisplayHeaderFooter = true
	return o
}

// WithFooter returns a copy of o with the footer template applied and
// header/footer display switched on.
func (o RenderOptions) WithFooter(tpl string) RenderOptions {
	o.FooterTemplate = tpl
	o.DisplayHeaderFooter = true
	return o
}

// Validate checks that every margin parses as a length.
func (o RenderOptions) Validate() error {
	for _, v := range []string{o.Margin.Top, o.Margin.Bottom, o.Margin.Left, o.Margin.Right} {
		if _, err := ParseLength(v); err != nil {
			return err
		}
	}
	return nil
}

// Inches converts all four margins to inches for the CDP print call.
func (m Margin) Inches() (top, bottom, left, right float64, err error) {
	if top, err = ParseLength(m.Top); err != nil {
		return
	}
	if bottom, err = ParseLength(m.Bottom); err != nil {
		return
	}
	if left, err = ParseLength(m.Left); err != nil {
		return
	}
	right, err = ParseLength(m.Right)
	return
}

// CSS pixels per inch, the unit Chrome uses for px lengths.
const pixelsPerInch = 96.0

// ParseLength parses a length string into inches. Supported units are
// in, cm, mm and px; a missing unit means inches. The empty string is zero.
func ParseLength(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	factor := 1.0
	switch {
	case strings.HasSuffix(s, "in"):
		s = strings.TrimSuffix(s, "in")
	case strings.HasSuffix(s, "cm"):
		s = strings.TrimSuffix(s, "cm")
		factor = 1.0 / 2.54
	case strings.HasSuffix(s, "mm"):
		s = strings.TrimSuffix(s, "mm")
		factor = 1.0 / 25.4
	case strings.HasSuffix(s, "px"):
		s = strings.TrimSuffix(s, "px")
		factor = 1.0 / pixelsPerInch
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid length %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid length %q: negative", s)
	}
	return v * factor, nil
}
