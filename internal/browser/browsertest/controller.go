// Package browsertest provides a scriptable in-memory browser.Controller.
package browsertest

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/autoapply/internal/browser"
	"github.com/JakeFAU/autoapply/internal/jobs"
)

// Element is a fake DOM element.
type Element struct {
	Text  string
	Attrs map[string]string
	// Options lists the values a select element accepts. Empty accepts any.
	Options []string
}

// Page is the set of elements visible at a URL, keyed by selector.
type Page map[string]Element

// Call is one recorded method invocation.
type Call struct {
	Method string
	Arg    string
}

// Controller is a fake browser. Pages are looked up by URL on Navigate.
// Selectors containing commas match if any alternative is present.
type Controller struct {
	mu sync.Mutex

	// Pages maps URLs to their elements.
	Pages map[string]Page
	// OnClick runs after a successful click on the selector. It may mutate the
	// current page or URL through the Set* helpers.
	OnClick map[string]func(c *Controller)
	// NavigateErrs are returned by successive Navigate calls before any
	// navigation succeeds.
	NavigateErrs []error
	// Failures maps "Method" or "Method:selector" to the error that call returns.
	Failures map[string]error
	// ScriptResults maps scripts to RunScript results.
	ScriptResults map[string]any
	// RefuseInit makes Initialize report false.
	RefuseInit bool
	// OnCall observes every call as it is recorded, with the fake locked.
	OnCall func(Call)

	initialized bool
	closed      bool
	headless    bool
	url         string
	current     Page
	values      map[string]string
	uploads     map[string]string
	calls       []Call
}

// New returns an empty fake.
func New() *Controller {
	return &Controller{
		Pages:         make(map[string]Page),
		OnClick:       make(map[string]func(*Controller)),
		Failures:      make(map[string]error),
		ScriptResults: make(map[string]any),
		values:        make(map[string]string),
		uploads:       make(map[string]string),
	}
}

// Calls returns a copy of the recorded calls.
func (c *Controller) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Count returns how many times method was called, optionally filtered by arg.
// An empty arg matches every call of the method.
func (c *Controller) Count(method, arg string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Method == method && (arg == "" || call.Arg == arg) {
			n++
		}
	}
	return n
}

// Value returns what was typed or selected into selector.
func (c *Controller) Value(selector string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[selector]
}

// Uploaded returns the file path uploaded through selector.
func (c *Controller) Uploaded(selector string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploads[selector]
}

// Closed reports whether Close was called.
func (c *Controller) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Headless reports the mode passed to Initialize.
func (c *Controller) Headless() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headless
}

// SetURL changes the current URL without loading a page. Intended for OnClick.
func (c *Controller) SetURL(url string) {
	c.url = url
}

// SetElement adds or replaces an element on the current page. Intended for
// OnClick.
func (c *Controller) SetElement(selector string, el Element) {
	if c.current == nil {
		c.current = make(Page)
	}
	c.current[selector] = el
}

// RemoveElement deletes an element from the current page. Intended for OnClick.
func (c *Controller) RemoveElement(selector string) {
	delete(c.current, selector)
}

func (c *Controller) record(method, arg string) error {
	call := Call{Method: method, Arg: arg}
	c.calls = append(c.calls, call)
	if c.OnCall != nil {
		c.OnCall(call)
	}
	if err, ok := c.Failures[method+":"+arg]; ok {
		return err
	}
	if err, ok := c.Failures[method]; ok {
		return err
	}
	if !c.initialized && method != "Initialize" && method != "Close" {
		return browser.ErrNotInitialized
	}
	return nil
}

func (c *Controller) lookup(selector string) (Element, bool) {
	for _, alt := range strings.Split(selector, ",") {
		if el, ok := c.current[strings.TrimSpace(alt)]; ok {
			return el, true
		}
	}
	return Element{}, false
}

func notFound(selector string) error {
	return fmt.Errorf("%w: %s", jobs.ErrElementNotFound, selector)
}

// Initialize implements browser.Controller.
func (c *Controller) Initialize(_ context.Context, headless bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("Initialize", fmt.Sprint(headless)); err != nil {
		return false, err
	}
	if c.RefuseInit {
		return false, nil
	}
	c.initialized = true
	c.headless = headless
	return true, nil
}

// Close implements browser.Controller.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.record("Close", "")
	c.closed = true
	c.initialized = false
	return err
}

// Navigate implements browser.Controller.
func (c *Controller) Navigate(ctx context.Context, url string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("Navigate", url); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(c.NavigateErrs) > 0 {
		err := c.NavigateErrs[0]
		c.NavigateErrs = c.NavigateErrs[1:]
		return false, err
	}
	page, ok := c.Pages[url]
	if !ok {
		return false, fmt.Errorf("%w: no page at %s", jobs.ErrTimeout, url)
	}
	c.url = url
	c.current = make(Page, len(page))
	for sel, el := range page {
		c.current[sel] = el
	}
	c.values = make(map[string]string)
	c.uploads = make(map[string]string)
	return true, nil
}

// ElementPresent implements browser.Controller.
func (c *Controller) ElementPresent(_ context.Context, selector string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("ElementPresent", selector); err != nil {
		return false, err
	}
	_, ok := c.lookup(selector)
	return ok, nil
}

// WaitFor implements browser.Controller.
func (c *Controller) WaitFor(_ context.Context, selector string, _ time.Duration) (browser.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("WaitFor", selector); err != nil {
		return browser.Handle{}, err
	}
	el, ok := c.lookup(selector)
	if !ok {
		return browser.Handle{}, notFound(selector)
	}
	return browser.Handle{Selector: selector, Text: el.Text}, nil
}

// Click implements browser.Controller.
func (c *Controller) Click(_ context.Context, selector string) error {
	c.mu.Lock()
	if err := c.record("Click", selector); err != nil {
		c.mu.Unlock()
		return err
	}
	if _, ok := c.lookup(selector); !ok {
		c.mu.Unlock()
		return notFound(selector)
	}
	hook := c.OnClick[selector]
	if hook != nil {
		hook(c)
	}
	c.mu.Unlock()
	return nil
}

// FillText implements browser.Controller.
func (c *Controller) FillText(_ context.Context, selector, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("FillText", selector); err != nil {
		return err
	}
	if _, ok := c.lookup(selector); !ok {
		return notFound(selector)
	}
	c.values[selector] = text
	return nil
}

// SelectOption implements browser.Controller.
func (c *Controller) SelectOption(_ context.Context, selector, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("SelectOption", selector); err != nil {
		return err
	}
	el, ok := c.lookup(selector)
	if !ok {
		return notFound(selector)
	}
	if len(el.Options) > 0 {
		valid := false
		for _, opt := range el.Options {
			if opt == value {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("option %q not available in %s", value, selector)
		}
	}
	c.values[selector] = value
	return nil
}

// UploadFile implements browser.Controller.
func (c *Controller) UploadFile(_ context.Context, selector, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("UploadFile", selector); err != nil {
		return err
	}
	if _, ok := c.lookup(selector); !ok {
		return notFound(selector)
	}
	c.uploads[selector] = path
	return nil
}

// GetText implements browser.Controller.
func (c *Controller) GetText(_ context.Context, selector string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("GetText", selector); err != nil {
		return "", err
	}
	el, ok := c.lookup(selector)
	if !ok {
		return "", notFound(selector)
	}
	return el.Text, nil
}

// GetAttribute implements browser.Controller. "value" reports what was typed,
// selected or uploaded since the last navigation.
func (c *Controller) GetAttribute(_ context.Context, selector, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("GetAttribute", selector); err != nil {
		return "", err
	}
	el, ok := c.lookup(selector)
	if !ok {
		return "", notFound(selector)
	}
	if name == "value" {
		if v, typed := c.values[selector]; typed {
			return v, nil
		}
		if p, uploaded := c.uploads[selector]; uploaded {
			return `C:\fakepath\` + path.Base(p), nil
		}
	}
	return el.Attrs[name], nil
}

// CurrentURL implements browser.Controller.
func (c *Controller) CurrentURL(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("CurrentURL", ""); err != nil {
		return "", err
	}
	return c.url, nil
}

// RunScript implements browser.Controller.
func (c *Controller) RunScript(_ context.Context, script string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("RunScript", script); err != nil {
		return nil, err
	}
	return c.ScriptResults[script], nil
}

// Screenshot implements browser.Controller. It writes a tiny placeholder image.
func (c *Controller) Screenshot(_ context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("Screenshot", path); err != nil {
		return err
	}
	return browser.WriteScreenshot(path, []byte("\x89PNG\r\n\x1a\nfake:"+c.url))
}

// FindAll implements browser.Controller.
func (c *Controller) FindAll(_ context.Context, selector string) ([]browser.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("FindAll", selector); err != nil {
		return nil, err
	}
	var out []browser.Handle
	for i, alt := range strings.Split(selector, ",") {
		if el, ok := c.current[strings.TrimSpace(alt)]; ok {
			out = append(out, browser.Handle{Selector: strings.TrimSpace(alt), Index: i, Text: el.Text})
		}
	}
	return out, nil
}

// PageSource implements browser.Controller.
func (c *Controller) PageSource(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("PageSource", ""); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("<html><body>")
	for sel, el := range c.current {
		fmt.Fprintf(&b, "<div data-selector=%q>%s</div>", sel, el.Text)
	}
	b.WriteString("</body></html>")
	return b.String(), nil
}

// FillForm implements browser.Controller.
func (c *Controller) FillForm(ctx context.Context, fields map[string]string) (browser.FillReport, error) {
	c.mu.Lock()
	err := c.record("FillForm", "")
	c.mu.Unlock()
	if err != nil {
		return browser.FillReport{}, err
	}
	return browser.FillEach(ctx, fields, c.FillText)
}

// HasCaptcha implements browser.Controller.
func (c *Controller) HasCaptcha(ctx context.Context) (bool, error) {
	c.mu.Lock()
	err := c.record("HasCaptcha", "")
	c.mu.Unlock()
	if err != nil {
		return false, err
	}
	return browser.ProbeCaptcha(ctx, func(_ context.Context, sel string) (bool, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.current[sel]
		return ok, nil
	})
}

// SolveCaptcha implements browser.Controller.
func (c *Controller) SolveCaptcha(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("SolveCaptcha", ""); err != nil {
		return false, err
	}
	return false, browser.ErrUnsupported
}

var _ browser.Controller = (*Controller)(nil)
