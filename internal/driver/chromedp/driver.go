// Package chromedp implements the browser driver on headless Chrome via the
// DevTools protocol. Each Driver owns exactly one Chrome OS process: the
// allocator is per-driver, so cancelling it kills that process and nothing
// else.
package chromedp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/madiyarbolatuly/browserd/internal/browser"
	"github.com/madiyarbolatuly/browserd/internal/scrape"
)

// Config controls the behavior of chromedp drivers.
type Config struct {
	ExecPath       string
	UserAgent      string
	WindowWidth    int
	WindowHeight   int
	BlockImages    bool
	NavTimeout     time.Duration
	MaxProducts    int
	DefaultTargets []string
}

// Factory creates drivers bound to one shared configuration.
type Factory struct {
	cfg      Config
	registry *scrape.Registry
	logger   *zap.Logger
}

// NewFactory validates the configuration and returns a Factory.
func NewFactory(cfg Config, registry *scrape.Registry, logger *zap.Logger) (*Factory, error) {
	if cfg.ExecPath != "" {
		info, err := os.Stat(cfg.ExecPath)
		if err != nil {
			return nil, fmt.Errorf("browser binary %s: %w", cfg.ExecPath, err)
		}
		if info.IsDir() || info.Mode()&0o111 == 0 {
			return nil, fmt.Errorf("browser binary %s is not executable", cfg.ExecPath)
		}
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 15 * time.Second
	}
	if cfg.MaxProducts <= 0 {
		cfg.MaxProducts = 5
	}
	if registry == nil {
		registry = scrape.NewRegistry(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg, registry: registry, logger: logger}, nil
}

// NewDriver creates an unstarted driver.
func (f *Factory) NewDriver(id string) browser.Driver {
	return &Driver{
		id:       id,
		cfg:      f.cfg,
		registry: f.registry,
		logger:   f.logger.With(zap.String("driver_id", id)),
	}
}

// Driver wraps one headless Chrome process.
type Driver struct {
	id       string
	cfg      Config
	registry *scrape.Registry
	logger   *zap.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	started       bool
	stopped       bool
}

// Start launches Chrome and blocks until DevTools answers or the context ends.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("driver %s already started", d.id)
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if d.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ExecPath))
	}
	if d.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.cfg.UserAgent))
	}
	if d.cfg.WindowWidth > 0 && d.cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(d.cfg.WindowWidth, d.cfg.WindowHeight))
	}
	if d.cfg.BlockImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}

	// The allocator parents to Background so the process outlives the start
	// call; Stop owns teardown.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	d.allocCancel = allocCancel
	d.browserCtx = browserCtx
	d.browserCancel = browserCancel
	d.started = true
	d.mu.Unlock()

	if err := runWithCtx(ctx, browserCtx); err != nil {
		d.logger.Warn("browser warmup failed", zap.Error(err))
		d.forceKill()
		return &browser.LaunchError{Err: err}
	}
	d.logger.Debug("browser process ready")
	return nil
}

// Execute runs one task in a fresh tab. Any failure leaves interpretation to
// the caller: a context error means the budget elapsed and the process may be
// wedged, everything else is a browser-reported failure.
func (d *Driver) Execute(ctx context.Context, task browser.Task) (browser.ExecOutput, error) {
	switch task.Kind {
	case browser.TaskKindRender, browser.TaskKindPDF, browser.TaskKindScrape:
	default:
		return browser.ExecOutput{}, &browser.ExecutionError{Err: fmt.Errorf("unsupported task kind %q", task.Kind)}
	}

	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return browser.ExecOutput{}, &browser.ExecutionError{Err: fmt.Errorf("driver %s not running", d.id)}
	}
	base := d.browserCtx
	d.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(base)
	defer tabCancel()

	var out browser.ExecOutput
	var err error
	switch task.Kind {
	case browser.TaskKindRender:
		out, err = d.render(ctx, tabCtx, task)
	case browser.TaskKindPDF:
		out, err = d.printPDF(ctx, tabCtx, task)
	case browser.TaskKindScrape:
		out, err = d.scrapePrices(ctx, tabCtx, task)
	}
	if err != nil {
		if ctx.Err() != nil {
			return browser.ExecOutput{}, fmt.Errorf("task budget elapsed: %w", ctx.Err())
		}
		return browser.ExecOutput{}, &browser.ExecutionError{Err: err}
	}
	return out, nil
}

func (d *Driver) render(ctx, tabCtx context.Context, task browser.Task) (browser.ExecOutput, error) {
	var html, finalURL string
	actions := []chromedp.Action{
		d.headerSetup(task.Headers),
		chromedp.Navigate(task.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := runWithCtx(ctx, tabCtx, actions...); err != nil {
		return browser.ExecOutput{}, fmt.Errorf("render %s: %w", task.URL, err)
	}
	return browser.ExecOutput{
		Payload:     []byte(html),
		ContentType: "text/html; charset=utf-8",
		FinalURL:    finalURL,
	}, nil
}

func (d *Driver) printPDF(ctx, tabCtx context.Context, task browser.Task) (browser.ExecOutput, error) {
	var pdf []byte
	var finalURL string
	actions := []chromedp.Action{
		d.headerSetup(task.Headers),
		chromedp.Navigate(task.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if err != nil {
				return fmt.Errorf("print to pdf: %w", err)
			}
			pdf = buf
			return nil
		}),
	}
	if err := runWithCtx(ctx, tabCtx, actions...); err != nil {
		return browser.ExecOutput{}, fmt.Errorf("pdf %s: %w", task.URL, err)
	}
	return browser.ExecOutput{
		Payload:     pdf,
		ContentType: "application/pdf",
		FinalURL:    finalURL,
	}, nil
}

func (d *Driver) scrapePrices(ctx, tabCtx context.Context, task browser.Task) (browser.ExecOutput, error) {
	sites, err := d.resolveSites(task)
	if err != nil {
		return browser.ExecOutput{}, err
	}
	if len(task.Queries) == 0 {
		return browser.ExecOutput{}, fmt.Errorf("scrape task has no queries")
	}

	rows := make([]scrape.QueryResult, 0, len(task.Queries)*len(sites))
	for _, query := range task.Queries {
		for _, site := range sites {
			if ctx.Err() != nil {
				return browser.ExecOutput{}, fmt.Errorf("scrape interrupted: %w", ctx.Err())
			}
			rows = append(rows, d.scrapeOne(ctx, tabCtx, site, query))
		}
	}

	payload, err := json.Marshal(rows)
	if err != nil {
		return browser.ExecOutput{}, fmt.Errorf("marshal scrape rows: %w", err)
	}
	return browser.ExecOutput{
		Payload:     payload,
		ContentType: "application/json",
	}, nil
}

// scrapeOne never fails the whole task: a site that errors or times out
// reports the not-found marker for that query, matching the storefront
// integrations' tolerance for flaky result pages.
func (d *Driver) scrapeOne(ctx, tabCtx context.Context, site scrape.Site, query string) scrape.QueryResult {
	target := site.SearchURL + url.QueryEscape(query)
	row := scrape.QueryResult{Query: query, Site: site.Domain, URL: target}

	var raw []string
	actions := []chromedp.Action{
		chromedp.Navigate(target),
		chromedp.WaitReady(site.ListSelector, chromedp.ByQuery),
		chromedp.Evaluate(scrape.ExtractScript(site, d.cfg.MaxProducts), &raw),
	}
	navCtx, cancel := context.WithTimeout(ctx, d.cfg.NavTimeout)
	defer cancel()
	if err := runWithCtx(navCtx, tabCtx, actions...); err != nil {
		d.logger.Warn("site scrape failed",
			zap.String("site", site.Domain),
			zap.String("query", query),
			zap.Error(err),
		)
		row.Prices = []string{scrape.NotFound}
		return row
	}
	row.Prices = scrape.CleanAll(raw)
	return row
}

func (d *Driver) resolveSites(task browser.Task) ([]scrape.Site, error) {
	if task.URL != "" {
		site, err := d.registry.Lookup(task.URL)
		if err != nil {
			return nil, err
		}
		return []scrape.Site{site}, nil
	}
	var sites []scrape.Site
	for _, domain := range d.cfg.DefaultTargets {
		site, err := d.registry.Lookup("https://" + domain)
		if err != nil {
			return nil, fmt.Errorf("default target: %w", err)
		}
		sites = append(sites, site)
	}
	if len(sites) == 0 {
		return d.registry.Sites(), nil
	}
	return sites, nil
}

// HealthCheck probes the browser with a no-op evaluation.
func (d *Driver) HealthCheck(ctx context.Context) error {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return fmt.Errorf("driver %s not running", d.id)
	}
	base := d.browserCtx
	d.mu.Unlock()

	var one int
	if err := runWithCtx(ctx, base, chromedp.Evaluate("1", &one)); err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	return nil
}

// Stop shuts the browser down, gracefully first, then by killing the process
// once the context's grace period ends. Safe to call more than once.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	browserCtx := d.browserCtx
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		// Cancel delivers Browser.close over DevTools and waits for exit.
		_ = chromedp.Cancel(browserCtx)
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("graceful browser shutdown timed out, killing process")
	}
	d.allocCancel()
	return nil
}

func (d *Driver) forceKill() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	d.browserCancel()
	d.allocCancel()
}

// runWithCtx runs chromedp actions against chromeCtx while honoring the
// caller's context. The chrome context must be cancelled by the caller (tab
// teardown) so an abandoned run does not linger.
func runWithCtx(callerCtx, chromeCtx context.Context, actions ...chromedp.Action) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(chromeCtx, actions...)
	}()
	select {
	case <-callerCtx.Done():
		return callerCtx.Err()
	case err := <-errCh:
		return err
	}
}

// headerSetup enables the network domain and applies per-task extra headers.
func (d *Driver) headerSetup(headers map[string]string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if len(headers) == 0 {
			return nil
		}
		extra := network.Headers{}
		for key, value := range headers {
			extra[key] = value
		}
		if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}
