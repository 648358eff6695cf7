// Package chrome maintains a fixed-size pool of reusable browser tabs backed
// by a single headless Chrome process.
package chrome

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"web2pdf/internal/config"
	"web2pdf/internal/infra/logging"
)

// ErrPoolClosed is returned when leasing from a closed pool.
var ErrPoolClosed = errors.New("chrome pool closed")

// Tab is a leased rendering context. Each lease gets a fresh tab context so a
// failed render cannot poison the next one.
type Tab struct {
	Ctx    context.Context
	cancel context.CancelFunc
}

// Pool keeps at most N tabs in flight via a token semaphore. Tokens gate
// concurrency; tab contexts themselves are created per lease.
type Pool struct {
	cfg config.Config

	mu          sync.Mutex
	sem         chan struct{}
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
	profileDir  string
	closed      bool
	restarts    int
	lastRestart time.Time
}

// Stats is a point-in-time snapshot of the pool for observability.
type Stats struct {
	Enabled      bool
	Capacity     int
	Idle         int
	InUse        int
	PoolSizeConf int
	ProfileDir   string
	Restarts     int
	LastRestart  string
}

// NewPool starts a browser allocator and prepares size tokens. The browser
// process itself launches lazily on the first render.
func NewPool(cfg config.Config) (*Pool, error) {
	if cfg.Chrome.PoolSize <= 0 {
		return nil, fmt.Errorf("chrome pool disabled (pool_size %d)", cfg.Chrome.PoolSize)
	}

	p := &Pool{cfg: cfg, sem: make(chan struct{}, cfg.Chrome.PoolSize)}
	if err := p.startBrowser(); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.Chrome.PoolSize; i++ {
		p.sem <- struct{}{}
	}
	return p, nil
}

// startBrowser creates the profile dir, allocator and browser context.
// Callers must hold no lease tokens; p.mu is not required during NewPool.
func (p *Pool) startBrowser() error {
	dir, err := createProfileDir(p.cfg)
	if err != nil {
		return err
	}

	opts := AllocatorOptions(p.cfg, dir)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	p.profileDir = dir
	p.allocCtx = allocCtx
	p.allocCancel = allocCancel
	p.browserCtx = browserCtx
	p.browserStop = browserStop
	return nil
}

// AllocatorOptions builds the exec allocator flags for the configured
// environment: software rendering for minimal containers plus the pool's
// fixed per-context settings (user agent, language, viewport).
func AllocatorOptions(cfg config.Config, profileDir string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-gpu-compositing", true),
		chromedp.Flag("disable-features", "Vulkan,UseSkiaRenderer"),
		chromedp.Flag("use-gl", "swiftshader"),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.Chrome.ViewportWidth > 0 && cfg.Chrome.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.Chrome.ViewportWidth, cfg.Chrome.ViewportHeight))
	}
	if cfg.Chrome.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.Chrome.UserAgent))
	}
	if cfg.Chrome.AcceptLanguage != "" {
		opts = append(opts, chromedp.Flag("accept-lang", cfg.Chrome.AcceptLanguage))
	}
	if cfg.Chrome.Path != "" {
		opts = append(opts, chromedp.ExecPath(cfg.Chrome.Path))
	}
	if cfg.Chrome.NoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}
	return opts
}

func createProfileDir(cfg config.Config) (string, error) {
	base := cfg.Chrome.UserDataDir
	if base == "" {
		return os.MkdirTemp("", "web2pdf-chrome-*")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("create profile base dir: %w", err)
	}
	dir, err := os.MkdirTemp(base, "profile-*")
	if err != nil {
		return "", fmt.Errorf("create profile dir: %w", err)
	}
	return dir, nil
}

// Acquire leases a tab, queueing until a token frees up or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (*Tab, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	sem := p.sem
	browserCtx := p.browserCtx
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sem:
	}

	if browserCtx == nil {
		browserCtx = context.Background()
	}
	tabCtx, cancel := chromedp.NewContext(browserCtx)
	return &Tab{Ctx: tabCtx, cancel: cancel}, nil
}

// Release closes the tab and returns its token to the idle set. Safe on
// every exit path, including after render failures.
func (p *Pool) Release(tab *Tab, renderErr error) {
	if tab != nil && tab.cancel != nil {
		tab.cancel()
	}
	if renderErr != nil && !errors.Is(renderErr, context.DeadlineExceeded) {
		logging.Warn("tab released after render failure", "error", renderErr.Error())
	}

	p.mu.Lock()
	sem := p.sem
	closed := p.closed
	p.mu.Unlock()
	if closed || sem == nil {
		return
	}
	select {
	case sem <- struct{}{}:
	default:
	}
}

// RunExclusive leases one tab, runs job on it bounded by the per-render
// timeout, and always returns the tab to the pool. Lease acquisition is
// bounded separately so queueing callers do not consume render budget.
func (p *Pool) RunExclusive(ctx context.Context, job func(tabCtx context.Context) error) error {
	acquireCtx, acquireCancel := context.WithTimeout(ctx, time.Duration(p.cfg.Chrome.AcquireTimeoutSecs)*time.Second)
	defer acquireCancel()

	tab, err := p.Acquire(acquireCtx)
	if err != nil {
		return err
	}

	renderCtx, cancel := context.WithTimeout(tab.Ctx, time.Duration(p.cfg.Chrome.TimeoutSecs)*time.Second)
	jobErr := job(renderCtx)
	cancel()

	p.Release(tab, jobErr)
	return jobErr
}

// Restart tears the browser down and brings up a fresh one with a clean
// profile dir. Used after a session-interrupting failure.
func (p *Pool) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	if p.browserStop != nil {
		p.browserStop()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	if p.profileDir != "" {
		_ = os.RemoveAll(p.profileDir)
	}

	if err := p.startBrowser(); err != nil {
		return err
	}

	// Refill the semaphore: in-flight leases were interrupted with the old
	// browser, their tokens must not be lost.
	size := p.cfg.Chrome.PoolSize
	if size <= 0 {
		size = cap(p.sem)
	}
	p.sem = make(chan struct{}, size)
	for i := 0; i < size; i++ {
		p.sem <- struct{}{}
	}

	p.restarts++
	p.lastRestart = time.Now()
	logging.Warn("chrome pool restarted", "restarts", p.restarts, "profile_dir", p.profileDir)
	return nil
}

// Close shuts the pool down. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	if p.browserStop != nil {
		p.browserStop()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	if p.profileDir != "" {
		_ = os.RemoveAll(p.profileDir)
	}
}

// Stats reports capacity and usage for the stats endpoint.
func (p *Pool) Stats(timeoutSecs int) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		Enabled:      !p.closed,
		PoolSizeConf: p.cfg.Chrome.PoolSize,
		ProfileDir:   p.profileDir,
		Restarts:     p.restarts,
	}
	if !p.lastRestart.IsZero() {
		st.LastRestart = p.lastRestart.Format(time.RFC3339)
	}
	if p.closed || p.sem == nil {
		return st
	}
	st.Capacity = cap(p.sem)
	st.Idle = len(p.sem)
	st.InUse = st.Capacity - st.Idle
	return st
}

// IsSessionInterrupted reports whether err indicates the browser session
// itself died rather than the render merely failing.
func IsSessionInterrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"target closed",
		"browser closed",
		"session closed",
		"websocket: close",
		"connection reset",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
