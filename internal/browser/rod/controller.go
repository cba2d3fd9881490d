// Package rodbrowser implements browser.Controller with go-rod. It is the
// backend for visible interactive sessions, where a person may watch or take
// over the page.
package rodbrowser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/browser"
	"github.com/JakeFAU/autoapply/internal/jobs"
)

// Controller drives one rod page.
type Controller struct {
	cfg    browser.Config
	logger *zap.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

// New returns an uninitialized Controller.
func New(cfg browser.Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{cfg: cfg.WithDefaults(), logger: logger.Named("rod")}
}

// Constructor adapts New to browser.Constructor.
func Constructor(logger *zap.Logger) browser.Constructor {
	return func(cfg browser.Config) (browser.Controller, error) {
		return New(cfg, logger), nil
	}
}

// Initialize launches Chrome and opens a blank page.
func (c *Controller) Initialize(ctx context.Context, headless bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.page != nil {
		return true, nil
	}

	l := launcher.New().Headless(headless).Context(ctx)
	if c.cfg.ChromeBin != "" {
		l = l.Bin(c.cfg.ChromeBin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return false, fmt.Errorf("launch chrome: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return false, fmt.Errorf("connect to chrome: %w", err)
	}
	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = b.Close()
		l.Kill()
		return false, fmt.Errorf("open page: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  c.cfg.WindowWidth,
		Height: c.cfg.WindowHeight,
	}); err != nil {
		c.logger.Debug("set viewport", zap.Error(err))
	}
	if c.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: c.cfg.UserAgent}); err != nil {
			c.logger.Debug("set user agent", zap.Error(err))
		}
	}

	c.launcher, c.browser, c.page = l, b, page
	c.logger.Debug("browser started", zap.Bool("headless", headless))
	return true, nil
}

// Close closes the page and the browser and kills the process.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if c.page != nil {
		if err := c.page.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.browser != nil {
		if err := c.browser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.launcher != nil {
		c.launcher.Kill()
	}
	c.page, c.browser, c.launcher = nil, nil, nil
	if len(errs) > 0 {
		c.logger.Debug("close browser", zap.Error(errors.Join(errs...)))
	}
	return nil
}

func (c *Controller) pageFor(ctx context.Context, timeout time.Duration) (*rod.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.page == nil {
		return nil, browser.ErrNotInitialized
	}
	return c.page.Context(ctx).Timeout(timeout), nil
}

// classify maps rod failures onto the workflow error taxonomy. A browser that
// no longer answers a version probe is treated as crashed.
func (c *Controller) classify(ctx context.Context, selector string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("rod: %w", ctx.Err())
	}
	var notFound *rod.ElementNotFoundError
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", jobs.ErrElementNotFound, selector)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if selector != "" {
			return fmt.Errorf("%w: %s", jobs.ErrElementNotFound, selector)
		}
		return fmt.Errorf("%w: %v", jobs.ErrTimeout, err)
	}
	if !c.alive() {
		return fmt.Errorf("%w: %v", jobs.ErrBrowserCrashed, err)
	}
	return fmt.Errorf("rod: %w", err)
}

func (c *Controller) alive() bool {
	c.mu.Lock()
	b := c.browser
	c.mu.Unlock()
	if b == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := b.Context(probeCtx).Version()
	return err == nil
}

func (c *Controller) element(ctx context.Context, selector string, timeout time.Duration) (*rod.Element, error) {
	page, err := c.pageFor(ctx, timeout)
	if err != nil {
		return nil, err
	}
	el, err := page.Element(selector)
	if err != nil {
		return nil, c.classify(ctx, selector, err)
	}
	return el, nil
}

// Navigate loads url and waits for the load event plus the settle delay.
func (c *Controller) Navigate(ctx context.Context, url string) (bool, error) {
	page, err := c.pageFor(ctx, c.cfg.NavigationTimeout)
	if err != nil {
		return false, err
	}
	if err := page.Navigate(url); err != nil {
		return false, c.classify(ctx, "", err)
	}
	if err := page.WaitLoad(); err != nil {
		return false, c.classify(ctx, "", err)
	}
	c.settle(ctx)
	return true, nil
}

func (c *Controller) settle(ctx context.Context) {
	if c.cfg.SettleDelay <= 0 {
		return
	}
	t := time.NewTimer(c.cfg.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ElementPresent waits up to timeout for selector to exist.
func (c *Controller) ElementPresent(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		page, err := c.pageFor(ctx, c.cfg.ActionTimeout)
		if err != nil {
			return false, err
		}
		has, _, err := page.Has(selector)
		if err != nil {
			return false, c.classify(ctx, "", err)
		}
		return has, nil
	}
	_, err := c.element(ctx, selector, timeout)
	if errors.Is(err, jobs.ErrElementNotFound) {
		return false, nil
	}
	return err == nil, err
}

// WaitFor waits for selector and returns a handle with its text.
func (c *Controller) WaitFor(ctx context.Context, selector string, timeout time.Duration) (browser.Handle, error) {
	el, err := c.element(ctx, selector, timeout)
	if err != nil {
		return browser.Handle{}, err
	}
	text, err := el.Text()
	if err != nil {
		return browser.Handle{}, c.classify(ctx, selector, err)
	}
	return browser.Handle{Selector: selector, Text: strings.TrimSpace(text)}, nil
}

// Click clicks the first element matching selector.
func (c *Controller) Click(ctx context.Context, selector string) error {
	el, err := c.element(ctx, selector, c.cfg.ActionTimeout)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return c.classify(ctx, selector, err)
	}
	c.settle(ctx)
	return nil
}

// FillText replaces the value of an input.
func (c *Controller) FillText(ctx context.Context, selector, text string) error {
	el, err := c.element(ctx, selector, c.cfg.ActionTimeout)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return c.classify(ctx, selector, err)
	}
	return c.classify(ctx, selector, el.Input(text))
}

// SelectOption selects the option with the given value.
func (c *Controller) SelectOption(ctx context.Context, selector, value string) error {
	el, err := c.element(ctx, selector, c.cfg.ActionTimeout)
	if err != nil {
		return err
	}
	option := fmt.Sprintf("option[value=%s]", jsString(value))
	if err := el.Select([]string{option}, true, rod.SelectorTypeCSSSector); err != nil {
		return fmt.Errorf("option %q not available in %s: %w", value, selector, err)
	}
	return nil
}

// UploadFile sets the files of a file input.
func (c *Controller) UploadFile(ctx context.Context, selector, path string) error {
	el, err := c.element(ctx, selector, c.cfg.ActionTimeout)
	if err != nil {
		return err
	}
	return c.classify(ctx, selector, el.SetFiles([]string{path}))
}

// GetText returns the visible text of selector.
func (c *Controller) GetText(ctx context.Context, selector string) (string, error) {
	el, err := c.element(ctx, selector, c.cfg.ActionTimeout)
	if err != nil {
		return "", err
	}
	text, err := el.Text()
	if err != nil {
		return "", c.classify(ctx, selector, err)
	}
	return strings.TrimSpace(text), nil
}

// GetAttribute returns an attribute of selector, or "" when absent. "value"
// reads the live form value.
func (c *Controller) GetAttribute(ctx context.Context, selector, name string) (string, error) {
	el, err := c.element(ctx, selector, c.cfg.ActionTimeout)
	if err != nil {
		return "", err
	}
	if name == "value" {
		prop, err := el.Property("value")
		if err != nil {
			return "", c.classify(ctx, selector, err)
		}
		return prop.Str(), nil
	}
	value, err := el.Attribute(name)
	if err != nil {
		return "", c.classify(ctx, selector, err)
	}
	if value == nil {
		return "", nil
	}
	return *value, nil
}

// CurrentURL returns the page location.
func (c *Controller) CurrentURL(ctx context.Context) (string, error) {
	page, err := c.pageFor(ctx, c.cfg.ActionTimeout)
	if err != nil {
		return "", err
	}
	info, err := page.Info()
	if err != nil {
		return "", c.classify(ctx, "", err)
	}
	return info.URL, nil
}

// RunScript evaluates script and returns its value.
func (c *Controller) RunScript(ctx context.Context, script string) (any, error) {
	page, err := c.pageFor(ctx, c.cfg.ActionTimeout)
	if err != nil {
		return nil, err
	}
	res, err := page.Evaluate(&rod.EvalOptions{
		JS:           fmt.Sprintf("() => eval(%s)", jsString(script)),
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, c.classify(ctx, "", err)
	}
	if res == nil || res.Value.Nil() {
		return nil, nil
	}
	return res.Value.Val(), nil
}

// Screenshot captures the full page as PNG to path.
func (c *Controller) Screenshot(ctx context.Context, path string) error {
	page, err := c.pageFor(ctx, c.cfg.NavigationTimeout)
	if err != nil {
		return err
	}
	data, err := page.Screenshot(true, nil)
	if err != nil {
		return c.classify(ctx, "", err)
	}
	return browser.WriteScreenshot(path, data)
}

// FindAll returns handles for every element matching selector without waiting.
func (c *Controller) FindAll(ctx context.Context, selector string) ([]browser.Handle, error) {
	page, err := c.pageFor(ctx, c.cfg.ActionTimeout)
	if err != nil {
		return nil, err
	}
	els, err := page.Elements(selector)
	if err != nil {
		return nil, c.classify(ctx, "", err)
	}
	out := make([]browser.Handle, 0, len(els))
	for i, el := range els {
		text, _ := el.Text()
		out = append(out, browser.Handle{Selector: selector, Index: i, Text: strings.TrimSpace(text)})
	}
	return out, nil
}

// PageSource returns the document HTML.
func (c *Controller) PageSource(ctx context.Context) (string, error) {
	page, err := c.pageFor(ctx, c.cfg.ActionTimeout)
	if err != nil {
		return "", err
	}
	html, err := page.HTML()
	if err != nil {
		return "", c.classify(ctx, "", err)
	}
	return html, nil
}

// FillForm fills every field, collecting per-field failures.
func (c *Controller) FillForm(ctx context.Context, fields map[string]string) (browser.FillReport, error) {
	if _, err := c.pageFor(ctx, c.cfg.ActionTimeout); err != nil {
		return browser.FillReport{}, err
	}
	return browser.FillEach(ctx, fields, c.FillText)
}

// HasCaptcha probes the known CAPTCHA markers.
func (c *Controller) HasCaptcha(ctx context.Context) (bool, error) {
	return browser.ProbeCaptcha(ctx, func(ctx context.Context, sel string) (bool, error) {
		return c.ElementPresent(ctx, sel, 0)
	})
}

// SolveCaptcha is not implemented; interactive sessions leave CAPTCHAs to the
// person at the screen.
func (c *Controller) SolveCaptcha(ctx context.Context) (bool, error) {
	if _, err := c.pageFor(ctx, c.cfg.ActionTimeout); err != nil {
		return false, err
	}
	return false, browser.ErrUnsupported
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

var _ browser.Controller = (*Controller)(nil)
