package chromedpbrowser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"

	"github.com/JakeFAU/autoapply/internal/browser"
)

func TestOperationsBeforeInitialize(t *testing.T) {
	t.Parallel()

	c := New(browser.Config{}, nil)
	ctx := context.Background()
	if _, err := c.Navigate(ctx, "https://example.com"); !errors.Is(err, browser.ErrNotInitialized) {
		t.Fatalf("Navigate: expected ErrNotInitialized, got %v", err)
	}
	if err := c.Click(ctx, "#apply"); !errors.Is(err, browser.ErrNotInitialized) {
		t.Fatalf("Click: expected ErrNotInitialized, got %v", err)
	}
	if _, err := c.FillForm(ctx, map[string]string{"#a": "b"}); !errors.Is(err, browser.ErrNotInitialized) {
		t.Fatalf("FillForm: expected ErrNotInitialized, got %v", err)
	}
	if _, err := c.SolveCaptcha(ctx); !errors.Is(err, browser.ErrNotInitialized) {
		t.Fatalf("SolveCaptcha: expected ErrNotInitialized, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on an unstarted controller: %v", err)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	c := New(browser.Config{}, nil)
	if c.cfg.NavigationTimeout != 45*time.Second {
		t.Fatalf("expected default nav timeout, got %v", c.cfg.NavigationTimeout)
	}
	if c.cfg.ActionTimeout != 10*time.Second {
		t.Fatalf("expected default action timeout, got %v", c.cfg.ActionTimeout)
	}
}

func TestNodeText(t *testing.T) {
	t.Parallel()

	n := &cdp.Node{Children: []*cdp.Node{
		{NodeType: cdp.NodeTypeText, NodeValue: " Apply "},
		{NodeType: cdp.NodeTypeElement, NodeValue: "ignored"},
		{NodeType: cdp.NodeTypeText, NodeValue: "now"},
	}}
	if got := nodeText(n); got != "Apply now" {
		t.Fatalf("nodeText = %q", got)
	}
	if got := jsString(`a"b`); got != `"a\"b"` {
		t.Fatalf("jsString = %s", got)
	}
}

// TestControllerAgainstChrome drives a real browser. It only runs when
// AUTOAPPLY_BROWSER_TESTS is set because it needs a Chrome binary.
func TestControllerAgainstChrome(t *testing.T) {
	if os.Getenv("AUTOAPPLY_BROWSER_TESTS") == "" {
		t.Skip("set AUTOAPPLY_BROWSER_TESTS=1 to run against a local Chrome")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>
			<form id="apply"><input name="email" id="email"><select id="src"><option value="web">Web</option></select>
			<button type="submit" id="send">Send</button></form></body></html>`))
	}))
	defer srv.Close()

	c := New(browser.Config{NavigationTimeout: 30 * time.Second, ActionTimeout: 5 * time.Second}, nil)
	ctx := context.Background()
	if ok, err := c.Initialize(ctx, true); err != nil || !ok {
		t.Fatalf("initialize: ok=%v err=%v", ok, err)
	}
	defer func() { _ = c.Close() }()

	if _, err := c.Navigate(ctx, srv.URL); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if present, err := c.ElementPresent(ctx, "#apply", time.Second); err != nil || !present {
		t.Fatalf("form present: %v %v", present, err)
	}
	if present, _ := c.ElementPresent(ctx, "#missing", 200*time.Millisecond); present {
		t.Fatal("missing element reported present")
	}
	if err := c.FillText(ctx, "#email", "ada@example.com"); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := c.SelectOption(ctx, "#src", "web"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if captcha, err := c.HasCaptcha(ctx); err != nil || captcha {
		t.Fatalf("captcha: %v %v", captcha, err)
	}
	shot := filepath.Join(t.TempDir(), "page.png")
	if err := c.Screenshot(ctx, shot); err != nil {
		t.Fatalf("screenshot: %v", err)
	}
	if _, err := os.Stat(shot); err != nil {
		t.Fatalf("screenshot not written: %v", err)
	}
}
