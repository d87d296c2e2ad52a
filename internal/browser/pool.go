// Package browser manages the shared headless Chrome instance and the
// per-session pages driving the web chat client.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// ErrUnavailable is returned when the shared browser is not running.
var ErrUnavailable = errors.New("browser unavailable")

// PoolConfig holds browser launch settings.
type PoolConfig struct {
	Bin            string
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
}

// DefaultUserAgent is a desktop Chrome user agent; the chat client refuses
// to render on unrecognized browsers.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// Pool owns the single shared Chrome process. All sessions allocate their
// pages from it; if the process cannot be started the service is unusable.
type Pool struct {
	cfg PoolConfig

	mu       sync.RWMutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewPool creates an unstarted pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.ViewportWidth == 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.ViewportHeight == 0 {
		cfg.ViewportHeight = 800
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return &Pool{cfg: cfg}
}

// Initialize launches Chrome and connects to it. Idempotent while the
// browser stays healthy; a dead browser is relaunched.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.browser != nil {
		if _, err := p.browser.Version(); err == nil {
			return nil
		}
		slog.Warn("Stale browser connection detected, relaunching")
		_ = p.browser.Close()
		p.browser = nil
	}

	l := launcher.New().
		Headless(p.cfg.Headless).
		Set(flags.NoSandbox).
		Set(flags.Flag("disable-setuid-sandbox")).
		Set(flags.Flag("disable-dev-shm-usage")).
		Set(flags.Flag("disable-gpu"))
	if p.cfg.Bin != "" {
		l = l.Bin(p.cfg.Bin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("%w: launch chrome: %v", ErrUnavailable, err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("%w: connect to chrome: %v", ErrUnavailable, err)
	}

	p.launcher = l
	p.browser = browser
	slog.Info("Browser pool initialized", "headless", p.cfg.Headless)
	return nil
}

// Ready reports whether the shared browser is connected.
func (p *Pool) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.browser != nil
}

// NewPage allocates an isolated page in its own incognito context. The
// caller owns the page and must release it with ReleasePage.
func (p *Pool) NewPage(ctx context.Context) (*rod.Page, error) {
	p.mu.RLock()
	browser := p.browser
	p.mu.RUnlock()

	if browser == nil {
		return nil, ErrUnavailable
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("%w: incognito context: %v", ErrUnavailable, err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("%w: create page: %v", ErrUnavailable, err)
	}
	page = page.Context(ctx)

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             p.cfg.ViewportWidth,
		Height:            p.cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		slog.Warn("Failed to set viewport", "error", err)
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: p.cfg.UserAgent}); err != nil {
		slog.Warn("Failed to set user agent", "error", err)
	}

	return page, nil
}

// ReleasePage closes a page. Safe to call with an already-closed page.
func (p *Pool) ReleasePage(page *rod.Page) {
	if page == nil {
		return
	}
	if err := page.Close(); err != nil {
		slog.Debug("Page close returned error", "error", err)
	}
}

// Shutdown closes the browser process.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.browser == nil {
		return nil
	}
	err := p.browser.Close()
	p.browser = nil
	if p.launcher != nil {
		p.launcher.Kill()
		p.launcher = nil
	}
	slog.Info("Browser pool shut down")
	return err
}
