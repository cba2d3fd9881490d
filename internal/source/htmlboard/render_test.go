package htmlboard

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/jobs"
)

func TestLooksLikeShell(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"empty", "", false},
		{"next mount", `<html><body><div id="__next"></div></body></html>`, true},
		{"react root", `<div data-reactroot></div>`, true},
		{"script heavy", `<html><script>` + strings.Repeat("x", 200) + `</script><p>hi</p></html>`, true},
		{"unclosed script", `<html><p>hello there</p><script src="a.js"`, true},
		{"plain empty results", `<html><body><p>No jobs match your search.</p></body></html>`, false},
		{"large script page", `<html><script>x</script>` + strings.Repeat("<p>text</p>", 400) + `</html>`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, looksLikeShell([]byte(tt.body), defaultShellThreshold))
		})
	}
}

func TestBoardSearchFlagsClientRenderedShell(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!doctype html><html><body><div id="root"></div><script src="/app.js"></script></body></html>`))
	}))
	t.Cleanup(srv.Close)

	b, err := New(Config{Name: "spa", SearchURL: srv.URL + "/?q={keywords}", Selectors: testSelectors()}, nil)
	require.NoError(t, err)

	_, err = b.Search(context.Background(), jobs.SearchQuery{Keywords: "go"})
	require.ErrorIs(t, err, ErrRenderRequired)
	require.Equal(t, jobs.KindParse, jobs.KindOf(err))
}

func TestBoardSearchEmptyResultsAreNotAnError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><p>No jobs match your search.</p></body></html>`))
	}))
	t.Cleanup(srv.Close)

	b, err := New(Config{Name: "board", SearchURL: srv.URL + "/?q={keywords}", Selectors: testSelectors()}, nil)
	require.NoError(t, err)

	records, err := b.Search(context.Background(), jobs.SearchQuery{Keywords: "go"})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestBoardSearchHonoursRobots(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /search\n"))
			return
		}
		_, _ = w.Write([]byte(listingPage))
	}))
	t.Cleanup(srv.Close)

	b, err := New(Config{Name: "polite", SearchURL: srv.URL + "/search?q={keywords}", Selectors: testSelectors(), RespectRobots: true}, nil)
	require.NoError(t, err)
	_, err = b.Search(context.Background(), jobs.SearchQuery{Keywords: "go"})
	require.Error(t, err)
	require.Equal(t, jobs.KindAuth, jobs.KindOf(err))

	b, err = New(Config{Name: "rude", SearchURL: srv.URL + "/search?q={keywords}", Selectors: testSelectors()}, nil)
	require.NoError(t, err)
	records, err := b.Search(context.Background(), jobs.SearchQuery{Keywords: "go"})
	require.NoError(t, err)
	require.Len(t, records, 3)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "net/http: TLS handshake timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type countingTransport struct {
	calls int
	err   error
}

func (c *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	c.calls++
	return nil, c.err
}

func TestRobotsTransportFallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	base := &countingTransport{err: timeoutError{}}
	rt := &robotsTransport{base: base, source: "slow", logger: zap.NewNop()}

	req := httptest.NewRequest(http.MethodGet, "https://board.example/robots.txt", nil)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, len(robotsRetryBackoff)+1, base.calls)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "Allow: /")
}

func TestRobotsTransportPassesThroughOtherFailures(t *testing.T) {
	t.Parallel()

	base := &countingTransport{err: io.ErrUnexpectedEOF}
	rt := &robotsTransport{base: base, source: "broken", logger: zap.NewNop()}

	_, err := rt.RoundTrip(httptest.NewRequest(http.MethodGet, "https://board.example/robots.txt", nil))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, 1, base.calls, "non-transient failures are not retried")

	_, err = rt.RoundTrip(httptest.NewRequest(http.MethodGet, "https://board.example/search", nil))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, 2, base.calls)
}
