// Package browser defines the capability set every browser backend exposes to
// the application workflow, plus the factory and pool that hand out backends.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

var (
	// ErrNotInitialized is returned by page operations issued before a
	// successful Initialize.
	ErrNotInitialized = errors.New("browser not initialized")
	// ErrUnsupported is returned by best-effort operations a backend does not
	// implement.
	ErrUnsupported = errors.New("operation not supported")
)

// Handle is an opaque reference to an element located on the current page.
type Handle struct {
	Selector string
	Index    int
	Text     string
}

// FillReport records the outcome of FillForm per selector.
type FillReport struct {
	Filled []string
	Failed map[string]error
}

// OK reports whether every field was filled.
func (r FillReport) OK() bool {
	return len(r.Failed) == 0
}

// Controller drives one live automation context. Implementations are not safe
// for concurrent use; one workflow owns a Controller at a time.
type Controller interface {
	Initialize(ctx context.Context, headless bool) (bool, error)
	Close() error

	Navigate(ctx context.Context, url string) (bool, error)
	ElementPresent(ctx context.Context, selector string, timeout time.Duration) (bool, error)
	WaitFor(ctx context.Context, selector string, timeout time.Duration) (Handle, error)
	Click(ctx context.Context, selector string) error
	FillText(ctx context.Context, selector, text string) error
	SelectOption(ctx context.Context, selector, value string) error
	UploadFile(ctx context.Context, selector, path string) error
	GetText(ctx context.Context, selector string) (string, error)
	GetAttribute(ctx context.Context, selector, name string) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	RunScript(ctx context.Context, script string) (any, error)
	Screenshot(ctx context.Context, path string) error
	FindAll(ctx context.Context, selector string) ([]Handle, error)
	PageSource(ctx context.Context) (string, error)
	FillForm(ctx context.Context, fields map[string]string) (FillReport, error)
	HasCaptcha(ctx context.Context) (bool, error)
	SolveCaptcha(ctx context.Context) (bool, error)
}

// CaptchaSelectors are probed by HasCaptcha implementations.
var CaptchaSelectors = []string{
	`iframe[src*="recaptcha"]`,
	`iframe[src*="hcaptcha"]`,
	`.g-recaptcha`,
	`.h-captcha`,
	`#cf-challenge-running`,
	`iframe[src*="challenges.cloudflare.com"]`,
	`[data-sitekey]`,
}

// ProbeCaptcha reports whether any CAPTCHA selector is present according to
// present, which must not wait.
func ProbeCaptcha(ctx context.Context, present func(ctx context.Context, selector string) (bool, error)) (bool, error) {
	for _, sel := range CaptchaSelectors {
		found, err := present(ctx, sel)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// FillEach fills fields one at a time in selector order, collecting failures
// instead of stopping at the first.
func FillEach(ctx context.Context, fields map[string]string, fill func(ctx context.Context, selector, value string) error) (FillReport, error) {
	report := FillReport{Failed: make(map[string]error)}
	selectors := make([]string, 0, len(fields))
	for sel := range fields {
		selectors = append(selectors, sel)
	}
	sort.Strings(selectors)
	for _, sel := range selectors {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := fill(ctx, sel, fields[sel]); err != nil {
			if errors.Is(err, ErrNotInitialized) {
				return report, err
			}
			report.Failed[sel] = err
			continue
		}
		report.Filled = append(report.Filled, sel)
	}
	return report, nil
}

// WriteScreenshot stores captured image bytes at path, creating parent
// directories as needed.
func WriteScreenshot(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create screenshot dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}
