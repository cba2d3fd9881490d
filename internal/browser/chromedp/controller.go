// Package chromedpbrowser implements browser.Controller on headless Chrome
// through the DevTools protocol.
package chromedpbrowser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/browser"
	"github.com/JakeFAU/autoapply/internal/jobs"
)

// Controller drives one Chrome tab.
type Controller struct {
	cfg    browser.Config
	logger *zap.Logger

	mu          sync.Mutex
	allocCancel context.CancelFunc
	tabCancel   context.CancelFunc
	tab         context.Context
}

// New returns an uninitialized Controller.
func New(cfg browser.Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{cfg: cfg.WithDefaults(), logger: logger.Named("chromedp")}
}

// Constructor adapts New to browser.Constructor.
func Constructor(logger *zap.Logger) browser.Constructor {
	return func(cfg browser.Config) (browser.Controller, error) {
		return New(cfg, logger), nil
	}
}

// Initialize starts Chrome and opens a tab.
func (c *Controller) Initialize(ctx context.Context, headless bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tab != nil {
		return true, nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(c.cfg.WindowWidth, c.cfg.WindowHeight),
	)
	if headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if c.cfg.ChromeBin != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ChromeBin))
	}
	if c.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(c.cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tab, tabCancel := chromedp.NewContext(allocCtx)

	// The first Run on the tab context owns the browser lifetime, so it must
	// not carry a deadline; the wait for it is bounded here instead.
	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(tab, c.setupAction())
	}()
	timer := time.NewTimer(c.cfg.NavigationTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-started:
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = fmt.Errorf("%w: browser did not start within %s", jobs.ErrTimeout, c.cfg.NavigationTimeout)
	}
	if err != nil {
		tabCancel()
		allocCancel()
		return false, fmt.Errorf("start chrome: %w", err)
	}
	c.tab, c.tabCancel, c.allocCancel = tab, tabCancel, allocCancel
	c.logger.Debug("browser started", zap.Bool("headless", headless))
	return true, nil
}

func (c *Controller) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// Close shuts the tab and the browser process.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tabCancel != nil {
		c.tabCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	c.tab, c.tabCancel, c.allocCancel = nil, nil, nil
	return nil
}

func (c *Controller) tabContext() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tab == nil {
		return nil, browser.ErrNotInitialized
	}
	return c.tab, nil
}

// run executes actions on the tab, bounded by timeout and by the caller's
// context.
func (c *Controller) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	tab, err := c.tabContext()
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		return c.classify(ctx, tab, err)
	}
	return nil
}

func (c *Controller) classify(ctx, tab context.Context, err error) error {
	switch {
	case tab.Err() != nil:
		return fmt.Errorf("%w: %v", jobs.ErrBrowserCrashed, err)
	case ctx.Err() != nil:
		return fmt.Errorf("chromedp: %w", ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", jobs.ErrTimeout, err)
	default:
		return fmt.Errorf("chromedp run: %w", err)
	}
}

// Navigate loads url and waits for the body plus the settle delay.
func (c *Controller) Navigate(ctx context.Context, url string) (bool, error) {
	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if c.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(c.cfg.SettleDelay))
	}
	if err := c.run(ctx, c.cfg.NavigationTimeout, actions...); err != nil {
		return false, err
	}
	return true, nil
}

// ElementPresent waits up to timeout for selector to exist.
func (c *Controller) ElementPresent(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		n, err := c.count(ctx, selector)
		return n > 0, err
	}
	err := c.run(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery))
	if errors.Is(err, jobs.ErrTimeout) {
		return false, nil
	}
	return err == nil, err
}

func (c *Controller) count(ctx context.Context, selector string) (int, error) {
	var nodes []*cdp.Node
	err := c.run(ctx, c.cfg.ActionTimeout, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)))
	return len(nodes), err
}

// WaitFor waits for selector and returns a handle with its text.
func (c *Controller) WaitFor(ctx context.Context, selector string, timeout time.Duration) (browser.Handle, error) {
	var text string
	err := c.run(ctx, timeout,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Text(selector, &text, chromedp.ByQuery),
	)
	if errors.Is(err, jobs.ErrTimeout) {
		return browser.Handle{}, fmt.Errorf("%w: %s", jobs.ErrElementNotFound, selector)
	}
	if err != nil {
		return browser.Handle{}, err
	}
	return browser.Handle{Selector: selector, Text: strings.TrimSpace(text)}, nil
}

func (c *Controller) action(ctx context.Context, selector string, actions ...chromedp.Action) error {
	err := c.run(ctx, c.cfg.ActionTimeout, actions...)
	if errors.Is(err, jobs.ErrTimeout) {
		return fmt.Errorf("%w: %s", jobs.ErrElementNotFound, selector)
	}
	return err
}

// Click clicks the first element matching selector.
func (c *Controller) Click(ctx context.Context, selector string) error {
	actions := []chromedp.Action{chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)}
	if c.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(c.cfg.SettleDelay))
	}
	return c.action(ctx, selector, actions...)
}

// FillText replaces the value of an input.
func (c *Controller) FillText(ctx context.Context, selector, text string) error {
	return c.action(ctx, selector,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

// SelectOption sets a select element's value and fires change.
func (c *Controller) SelectOption(ctx context.Context, selector, value string) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		el.value = %s;
		el.dispatchEvent(new Event('change', {bubbles: true}));
		return el.value === %s;
	})()`, jsString(selector), jsString(value), jsString(value))
	var ok bool
	if err := c.action(ctx, selector,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Evaluate(script, &ok),
	); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("option %q not available in %s", value, selector)
	}
	return nil
}

// UploadFile sets the files of a file input.
func (c *Controller) UploadFile(ctx context.Context, selector, path string) error {
	return c.action(ctx, selector, chromedp.SetUploadFiles(selector, []string{path}, chromedp.ByQuery))
}

// GetText returns the visible text of selector.
func (c *Controller) GetText(ctx context.Context, selector string) (string, error) {
	var text string
	if err := c.action(ctx, selector, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// GetAttribute returns an attribute of selector, or "" when absent. "value"
// reads the live form value.
func (c *Controller) GetAttribute(ctx context.Context, selector, name string) (string, error) {
	var (
		value string
		ok    bool
	)
	read := chromedp.AttributeValue(selector, name, &value, &ok, chromedp.ByQuery)
	if name == "value" {
		// The live property, not the markup default.
		read = chromedp.Value(selector, &value, chromedp.ByQuery)
	}
	if err := c.action(ctx, selector, read); err != nil {
		return "", err
	}
	return value, nil
}

// CurrentURL returns the tab's location.
func (c *Controller) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := c.run(ctx, c.cfg.ActionTimeout, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// RunScript evaluates script and returns its JSON-decoded result.
func (c *Controller) RunScript(ctx context.Context, script string) (any, error) {
	var out any
	if err := c.run(ctx, c.cfg.ActionTimeout, chromedp.Evaluate(script, &out)); err != nil {
		return nil, err
	}
	return out, nil
}

// Screenshot captures the full page as PNG to path.
func (c *Controller) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := c.run(ctx, c.cfg.NavigationTimeout, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return err
	}
	return browser.WriteScreenshot(path, buf)
}

// FindAll returns handles for every element matching selector without waiting.
func (c *Controller) FindAll(ctx context.Context, selector string) ([]browser.Handle, error) {
	var nodes []*cdp.Node
	if err := c.run(ctx, c.cfg.ActionTimeout, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return nil, err
	}
	out := make([]browser.Handle, 0, len(nodes))
	for i, n := range nodes {
		out = append(out, browser.Handle{Selector: selector, Index: i, Text: nodeText(n)})
	}
	return out, nil
}

// PageSource returns the outer HTML of the document.
func (c *Controller) PageSource(ctx context.Context) (string, error) {
	var html string
	if err := c.run(ctx, c.cfg.ActionTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// FillForm fills every field, collecting per-field failures.
func (c *Controller) FillForm(ctx context.Context, fields map[string]string) (browser.FillReport, error) {
	if _, err := c.tabContext(); err != nil {
		return browser.FillReport{}, err
	}
	return browser.FillEach(ctx, fields, c.FillText)
}

// HasCaptcha probes the known CAPTCHA markers.
func (c *Controller) HasCaptcha(ctx context.Context) (bool, error) {
	return browser.ProbeCaptcha(ctx, func(ctx context.Context, sel string) (bool, error) {
		n, err := c.count(ctx, sel)
		return n > 0, err
	})
}

// SolveCaptcha is not implemented.
func (c *Controller) SolveCaptcha(context.Context) (bool, error) {
	if _, err := c.tabContext(); err != nil {
		return false, err
	}
	return false, browser.ErrUnsupported
}

func nodeText(n *cdp.Node) string {
	var b strings.Builder
	for _, child := range n.Children {
		if child.NodeType == cdp.NodeTypeText {
			b.WriteString(child.NodeValue)
		}
	}
	return strings.TrimSpace(b.String())
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

var _ browser.Controller = (*Controller)(nil)
