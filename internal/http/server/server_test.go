package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"web2pdf/internal/config"
	"web2pdf/internal/domain"
	"web2pdf/internal/infra/tokens"
	"web2pdf/internal/preset"
)

func minimalConfig() config.Config {
	var cfg config.Config
	cfg.Presets.PaperSizes = config.DefaultPaperSizes()
	cfg.Chrome.TimeoutSecs = 1
	cfg.Chrome.AcquireTimeoutSecs = 1
	cfg.Limits.MaxHTMLBytes = 1024 * 1024
	cfg.Limits.MaxPDFBytes = 5 * 1024 * 1024
	cfg.Limits.MaxImageBytes = 1024 * 1024
	return cfg
}

func TestNew_RoutesAndJSON404(t *testing.T) {
	app := New(Deps{Config: minimalConfig(), Registry: preset.Default()})

	reqStats, _ := http.NewRequest(http.MethodGet, "/chrome/stats", nil)
	respStats, err := app.Test(reqStats)
	if err != nil {
		t.Fatalf("stats request failed: %v", err)
	}
	if respStats.StatusCode != http.StatusOK {
		t.Fatalf("expected /chrome/stats 200, got %d", respStats.StatusCode)
	}

	req404, _ := http.NewRequest(http.MethodGet, "/does-not-exist", nil)
	resp404, err := app.Test(req404)
	if err != nil {
		t.Fatalf("404 request failed: %v", err)
	}
	if resp404.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp404.StatusCode)
	}
	if got := resp404.Header.Get("Content-Type"); !strings.Contains(got, "json") {
		t.Fatalf("expected JSON error response content type, got %q", got)
	}
}

func TestNew_ValidationErrorEnvelope(t *testing.T) {
	app := New(Deps{Config: minimalConfig(), Registry: preset.Default()})

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing url, got %d", resp.StatusCode)
	}

	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != http.StatusBadRequest || body.Error.Message == "" {
		t.Fatalf("unexpected error envelope: %+v", body)
	}
}

func TestNew_PresetIntrospection(t *testing.T) {
	app := New(Deps{Config: minimalConfig(), Registry: preset.Default()})

	req, _ := http.NewRequest(http.MethodGet, "/pdf_options", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var table map[string]domain.RenderOptions
	if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if _, ok := table["A4"]; !ok || len(table) != 1 {
		t.Fatalf("unexpected preset table: %v", table)
	}
}

func TestNew_BearerAuthProtectsRenderRoutes(t *testing.T) {
	cfg := minimalConfig()
	cfg.Auth.BearerSecret = "s3cret"

	app := New(Deps{Config: cfg, Registry: preset.Default(), Tokens: tokens.New(cfg.Auth)})

	unauth, _ := http.NewRequest(http.MethodGet, "/pdf_options", nil)
	resp, err := app.Test(unauth)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", resp.StatusCode)
	}

	auth, _ := http.NewRequest(http.MethodGet, "/pdf_options", nil)
	auth.Header.Set("Authorization", "Bearer s3cret")
	resp, err = app.Test(auth)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", resp.StatusCode)
	}
}
