package handlers

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/gofiber/fiber/v2"

	"web2pdf/internal/config"
	"web2pdf/internal/domain"
	"web2pdf/internal/infra/chrome"
	"web2pdf/internal/infra/logging"
	"web2pdf/internal/inline"
	"web2pdf/internal/preset"
)

// renderParams is a fully resolved render job: exactly one of URL/HTML is
// set, and Opts carries no unresolved preset or remote template references.
type renderParams struct {
	URL   string
	HTML  string
	Opts  domain.RenderOptions
	Paper domain.PaperSize
}

// target names the content source for logs and error bodies.
func (p *renderParams) target() string {
	if p.URL != "" {
		return p.URL
	}
	return "inline HTML"
}

// htmlRenderRequest is the POST / body.
type htmlRenderRequest struct {
	HTML      string `json:"html"`
	PDFOption string `json:"pdf_option"`
	Header    string `json:"header"`
	Footer    string `json:"footer"`
}

// PDFService bundles configuration and dependencies for PDF rendering.
type PDFService struct {
	Config   *config.Config
	Registry *preset.Registry
	Inliner  *inline.Inliner

	poolMu  sync.Mutex
	pool    *chrome.Pool
	poolErr error
}

// NewPDFService creates a new PDFService instance.
func NewPDFService(cfg config.Config, reg *preset.Registry, il *inline.Inliner) *PDFService {
	return &PDFService{
		Config:   &cfg,
		Registry: reg,
		Inliner:  il,
	}
}

func (svc *PDFService) getChromePool() (*chrome.Pool, error) {
	svc.poolMu.Lock()
	defer svc.poolMu.Unlock()

	if svc.Config.Chrome.PoolSize <= 0 {
		return nil, nil
	}
	if svc.pool != nil {
		return svc.pool, nil
	}
	pool, err := chrome.NewPool(*svc.Config)
	if err != nil {
		svc.poolErr = err
		return nil, err
	}
	svc.pool = pool
	return svc.pool, nil
}

// HandleRenderURL renders the page behind the url query parameter.
// Header/footer fragments are run through the image inliner first.
func (svc *PDFService) HandleRenderURL(c *fiber.Ctx) error {
	params, err := svc.validateAndExtractURLParams(c)
	if err != nil {
		return err
	}

	header, footer, err := svc.inlineTemplates(c.Context(), c.Query("header"), c.Query("footer"))
	if err != nil {
		logging.Error("Template image inlining failed", "url", params.URL, "error", err.Error())
		return fiber.NewError(fiber.StatusInternalServerError,
			fmt.Sprintf("PDF generation failed for %s: %s", params.URL, err))
	}
	applyTemplates(&params.Opts, header, footer)

	return svc.processPDFGeneration(c, params)
}

// HandleRenderHTML renders the literal HTML from the request body.
// Header/footer strings are assigned as templates verbatim; unlike the URL
// path they are not run through the image inliner.
func (svc *PDFService) HandleRenderHTML(c *fiber.Ctx) error {
	params, req, err := svc.validateAndExtractHTMLParams(c)
	if err != nil {
		return err
	}
	applyTemplates(&params.Opts, req.Header, req.Footer)

	return svc.processPDFGeneration(c, params)
}

// HandlePresetList exposes the full preset table for introspection.
func (svc *PDFService) HandlePresetList(c *fiber.Ctx) error {
	return c.JSON(svc.Registry.All())
}

// applyTemplates overlays non-empty header/footer templates onto a copy of
// the preset options, switching header/footer display on.
func applyTemplates(opts *domain.RenderOptions, header, footer string) {
	if header != "" {
		*opts = opts.WithHeader(header)
	}
	if footer != "" {
		*opts = opts.WithFooter(footer)
	}
}

// inlineTemplates runs the image inliner over both fragments concurrently.
// The fetches are independent; both must finish before the render job runs.
func (svc *PDFService) inlineTemplates(ctx context.Context, header, footer string) (string, string, error) {
	var (
		wg         sync.WaitGroup
		hOut, fOut string
		hErr, fErr error
	)
	if header != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hOut, hErr = svc.Inliner.Inline(ctx, header)
		}()
	}
	if footer != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fOut, fErr = svc.Inliner.Inline(ctx, footer)
		}()
	}
	wg.Wait()

	if hErr != nil {
		return "", "", hErr
	}
	if fErr != nil {
		return "", "", fErr
	}
	return hOut, fOut, nil
}

// processPDFGeneration renders the job and writes the HTTP response.
func (svc *PDFService) processPDFGeneration(c *fiber.Ctx, params *renderParams) error {
	pdfBuf, err := svc.renderPDF(params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Log the underlying error so we can distinguish between:
			// - Chrome pool init warmup timeout
			// - Pool acquire timeout (no free tab)
			// - Actual render timeout
			logging.Error("PDF generation timeout", "target", params.target(),
				"timeout_secs", svc.Config.Chrome.TimeoutSecs, "error", err.Error())
			return fiber.NewError(fiber.StatusInternalServerError,
				fmt.Sprintf("PDF generation failed for %s: rendering took too long", params.target()))
		}
		logging.Error("PDF generation failed", "target", params.target(), "error", err.Error())
		return fiber.NewError(fiber.StatusInternalServerError,
			fmt.Sprintf("PDF generation failed for %s: %s", params.target(), err))
	}

	if len(pdfBuf) > svc.Config.Limits.MaxPDFBytes {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "PDF exceeds allowed size")
	}

	requestID := c.Get("X-Request-ID")
	logging.Info("PDF generated", "target", params.target(), "bytes", len(pdfBuf), "request_id", requestID)

	// The PDF is rendered per request and must never be cached downstream.
	c.Set(fiber.HeaderCacheControl, "no-cache, no-store, must-revalidate")
	c.Set("Pragma", "no-cache")
	c.Set("Expires", "0")
	c.Set(fiber.HeaderContentType, "application/pdf")
	return c.Send(pdfBuf)
}

func (svc *PDFService) renderPDF(params *renderParams) ([]byte, error) {
	pool, err := svc.getChromePool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		// Fallback: start a new Chrome instance per request.
		return svc.renderPDFWithOwnChrome(params)
	}

	runOnce := func() ([]byte, error) {
		var pdfBuf []byte
		err := pool.RunExclusive(context.Background(), func(tabCtx context.Context) error {
			var renderErr error
			pdfBuf, renderErr = renderPDFInTab(tabCtx, params)
			return renderErr
		})
		return pdfBuf, err
	}

	pdfBuf, renderErr := runOnce()
	if renderErr != nil && !errors.Is(renderErr, context.DeadlineExceeded) && chrome.IsSessionInterrupted(renderErr) {
		logging.Warn("Chrome session interrupted; restarting pool and retrying once", "error", renderErr)
		_ = pool.Restart()
		return runOnce()
	}

	return pdfBuf, renderErr
}

// renderPDFWithOwnChrome runs the job in a throwaway Chrome instance. Used
// when the pool is disabled (pool_size 0).
func (svc *PDFService) renderPDFWithOwnChrome(params *renderParams) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "chromedata-*")
	if err != nil {
		return nil, fmt.Errorf("cannot create temp profile dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), chrome.AllocatorOptions(*svc.Config, tmpDir)...)
	defer allocCancel()
	chromeCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	timeout := time.Duration(svc.Config.Chrome.TimeoutSecs) * time.Second
	chromeCtx, cancel = context.WithTimeout(chromeCtx, timeout)
	defer cancel()

	return renderPDFInTab(chromeCtx, params)
}

// renderPDFInTab renders either a remote URL or literal HTML into PDF within
// an existing tab context. The HTML path waits for DOM readiness only, not
// for network idle.
func renderPDFInTab(ctx context.Context, params *renderParams) ([]byte, error) {
	var pdfBuf []byte
	var actions []chromedp.Action

	if params.URL != "" {
		actions = append(actions,
			chromedp.Navigate(params.URL),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
	} else {
		actions = append(actions,
			chromedp.Navigate("about:blank"),
			chromedp.ActionFunc(func(ctx context.Context) error {
				frame, err := page.GetFrameTree().Do(ctx)
				if err != nil {
					return err
				}
				return page.SetDocumentContent(frame.Frame.ID, params.HTML).Do(ctx)
			}),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
	}

	actions = append(actions,
		chromedp.Sleep(200*time.Millisecond),
		chromedp.ActionFunc(func(ctx context.Context) error {
			p, err := printToPDFParams(params)
			if err != nil {
				return err
			}
			pdfBuf, _, err = p.Do(ctx)
			return err
		}),
	)

	if err := chromedp.Run(ctx, actions...); err != nil {
		return nil, err
	}
	return pdfBuf, nil
}

// printToPDFParams maps resolved render options onto the CDP print call.
func printToPDFParams(params *renderParams) (*page.PrintToPDFParams, error) {
	top, bottom, left, right, err := params.Opts.Margin.Inches()
	if err != nil {
		return nil, err
	}

	p := page.PrintToPDF().
		WithPrintBackground(params.Opts.PrintBackground).
		WithLandscape(params.Opts.Landscape).
		WithPaperWidth(params.Paper.Width).
		WithPaperHeight(params.Paper.Height).
		WithMarginTop(top).
		WithMarginBottom(bottom).
		WithMarginLeft(left).
		WithMarginRight(right)

	if params.Opts.DisplayHeaderFooter {
		// Chrome injects its own date/title templates when these are empty.
		header := params.Opts.HeaderTemplate
		if header == "" {
			header = "<span></span>"
		}
		footer := params.Opts.FooterTemplate
		if footer == "" {
			footer = "<span></span>"
		}
		p = p.WithDisplayHeaderFooter(true).
			WithHeaderTemplate(header).
			WithFooterTemplate(footer)
	}
	return p, nil
}

// validateAndExtractURLParams validates query parameters for the by-URL path.
// All validation happens before any rendering context is leased.
func (svc *PDFService) validateAndExtractURLParams(c *fiber.Ctx) (*renderParams, error) {
	urlStr := c.Query("url")
	if urlStr == "" {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid URL: missing")
	}
	parsed, err := neturl.ParseRequestURI(urlStr)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid URL: must be HTTP or HTTPS")
	}

	opts, err := svc.resolvePreset(c.Query("pdf_option"))
	if err != nil {
		return nil, err
	}
	paper, err := svc.paperFor(opts)
	if err != nil {
		return nil, err
	}

	return &renderParams{URL: urlStr, Opts: opts, Paper: paper}, nil
}

// validateAndExtractHTMLParams validates the POST body for the by-HTML path.
func (svc *PDFService) validateAndExtractHTMLParams(c *fiber.Ctx) (*renderParams, *htmlRenderRequest, error) {
	var req htmlRenderRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, nil, fiber.NewError(fiber.StatusBadRequest, "Invalid body: "+err.Error())
	}
	if req.HTML == "" {
		return nil, nil, fiber.NewError(fiber.StatusBadRequest, "Invalid HTML: missing")
	}
	if len(req.HTML) > svc.Config.Limits.MaxHTMLBytes {
		return nil, nil, fiber.NewError(fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("HTML input exceeds %d bytes", svc.Config.Limits.MaxHTMLBytes))
	}

	opts, err := svc.resolvePreset(req.PDFOption)
	if err != nil {
		return nil, nil, err
	}
	paper, err := svc.paperFor(opts)
	if err != nil {
		return nil, nil, err
	}

	return &renderParams{HTML: req.HTML, Opts: opts, Paper: paper}, &req, nil
}

// resolvePreset maps an unknown preset name to a client error. Unknown names
// fail closed instead of falling back to the default.
func (svc *PDFService) resolvePreset(name string) (domain.RenderOptions, error) {
	opts, err := svc.Registry.Resolve(name)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownPreset) {
			return domain.RenderOptions{}, fiber.NewError(fiber.StatusBadRequest, "Invalid pdf_option: "+err.Error())
		}
		return domain.RenderOptions{}, fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return opts, nil
}

func (svc *PDFService) paperFor(opts domain.RenderOptions) (domain.PaperSize, error) {
	paper, ok := svc.Config.Presets.PaperSizes[opts.Format]
	if !ok {
		return domain.PaperSize{}, fiber.NewError(fiber.StatusInternalServerError,
			fmt.Sprintf("Paper format %q not configured", opts.Format))
	}
	return paper, nil
}

// HandleChromeStats exposes basic observability for the Chrome pool (capacity / idle / in_use).
func (svc *PDFService) HandleChromeStats(c *fiber.Ctx) error {
	pool, err := svc.getChromePool()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Chrome pool init failed: "+err.Error())
	}

	// Pool disabled.
	if pool == nil {
		return c.JSON(fiber.Map{
			"enabled":        false,
			"capacity":       0,
			"idle":           0,
			"in_use":         0,
			"pool_size_conf": svc.Config.Chrome.PoolSize,
			"profile_dir":    "",
			"timeout_secs":   svc.Config.Chrome.TimeoutSecs,
			"restarts":       0,
		})
	}

	s := pool.Stats(svc.Config.Chrome.TimeoutSecs)
	return c.JSON(fiber.Map{
		"enabled":        s.Enabled,
		"capacity":       s.Capacity,
		"idle":           s.Idle,
		"in_use":         s.InUse,
		"pool_size_conf": s.PoolSizeConf,
		"profile_dir":    s.ProfileDir,
		"timeout_secs":   svc.Config.Chrome.TimeoutSecs,
		"restarts":       s.Restarts,
		"last_restart":   s.LastRestart,
	})
}
