package htmlboard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/autoapply/internal/jobs"
)

const listingPage = `<!doctype html>
<html><body>
<ul class="results">
  <li class="job" data-job-id="a1">
    <a class="title" href="/jobs/a1">Backend Engineer</a>
    <span class="company">Acme</span>
    <span class="loc">Remote</span>
    <time datetime="2026-10-01">Oct 1</time>
  </li>
  <li class="job" data-job-id="a2">
    <a class="title" href="https://elsewhere.example/jobs/a2">Platform Engineer</a>
  </li>
  <li class="job" data-job-id="a3">
    <a class="title" href="/jobs/a3">SRE</a>
  </li>
</ul>
</body></html>`

func testSelectors() Selectors {
	return Selectors{
		Item:     "li.job",
		Title:    "a.title",
		Company:  ".company",
		Location: ".loc",
		Link:     "a.title",
		Posted:   "time",
		IDAttr:   "data-job-id",
	}
}

func TestBoardSearchExtractsListings(t *testing.T) {
	t.Parallel()

	var gotQuery, gotPage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery, gotPage = r.URL.Query().Get("q"), r.URL.Query().Get("page")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(listingPage))
	}))
	t.Cleanup(srv.Close)

	b, err := New(Config{
		Name:      "board",
		SearchURL: srv.URL + "/search?q={keywords}&l={location}&page={page}",
		Selectors: testSelectors(),
	}, nil)
	require.NoError(t, err)

	records, err := b.Search(context.Background(), jobs.SearchQuery{Keywords: "Backend Engineer", Location: "Remote", Limit: 2})
	require.NoError(t, err)
	require.Equal(t, "backend engineer", gotQuery)
	require.Equal(t, "1", gotPage)

	require.Len(t, records, 2, "limit caps the listings collected")
	first := records[0]
	require.Equal(t, "Backend Engineer", first.Title)
	require.Equal(t, "Acme", first.Company)
	require.Equal(t, "Remote", first.Location)
	require.Equal(t, srv.URL+"/jobs/a1", first.URL)
	require.Equal(t, "a1", first.NativeID)
	require.Equal(t, jobs.JobID("board", "a1", ""), first.ID)
	require.Equal(t, 2026, first.PostedAt.Year())

	require.Equal(t, "https://elsewhere.example/jobs/a2", records[1].URL)
	require.NotEmpty(t, records[1].Company, "missing company is defaulted")
}

func TestBoardSearchClassifiesStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	b, err := New(Config{Name: "board", SearchURL: srv.URL + "/?q={keywords}", Selectors: testSelectors()}, nil)
	require.NoError(t, err)

	_, err = b.Search(context.Background(), jobs.SearchQuery{Keywords: "go"})
	require.ErrorIs(t, err, jobs.ErrRateLimited)
}

func TestBoardSearchCanceledContext(t *testing.T) {
	t.Parallel()

	b, err := New(Config{Name: "board", SearchURL: "http://127.0.0.1:1/?q={keywords}", Selectors: testSelectors()}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Search(ctx, jobs.SearchQuery{Keywords: "go"})
	require.Error(t, err)
	var srcErr *jobs.SourceError
	require.ErrorAs(t, err, &srcErr)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Name: "x", SearchURL: "http://x"}, nil)
	require.Error(t, err)
	_, err = New(Config{SearchURL: "http://x", Selectors: testSelectors()}, nil)
	require.Error(t, err)
}
