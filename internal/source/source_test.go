package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/autoapply/internal/jobs"
)

func TestNormalizeDefaultsMissingFields(t *testing.T) {
	t.Parallel()

	rec := Normalize("board", RawListing{URL: " https://jobs.example.com/1 ", Posted: "yesterday-ish"})
	require.Equal(t, UnknownTitle, rec.Title)
	require.Equal(t, UnknownCompany, rec.Company)
	require.Equal(t, UnknownLocation, rec.Location)
	require.Equal(t, "https://jobs.example.com/1", rec.URL)
	require.True(t, rec.PostedAt.IsZero())
	require.Equal(t, jobs.JobStatusNew, rec.Status)
	require.Nil(t, rec.Notes.SalaryMin)
	require.Equal(t, jobs.JobID("board", "", "https://jobs.example.com/1"), rec.ID)
}

func TestNormalizeIdentityIsIdempotent(t *testing.T) {
	t.Parallel()

	first := Normalize("adzuna", RawListing{NativeID: "77", Title: "Go Dev", URL: "https://a/1?x=1"})
	again := Normalize("adzuna", RawListing{NativeID: "77", Title: "Go Developer", URL: "https://a/1?x=2"})
	require.Equal(t, first.ID, again.ID)
}

func TestNormalizeStructuredNotes(t *testing.T) {
	t.Parallel()

	rec := Normalize("adzuna", RawListing{
		NativeID:     "1",
		Title:        "  Backend\n Engineer ",
		SalaryMin:    90000,
		ContractType: "permanent",
		Posted:       "2026-09-01T10:00:00Z",
	})
	require.Equal(t, "Backend Engineer", rec.Title)
	require.NotNil(t, rec.Notes.SalaryMin)
	require.Equal(t, 90000.0, *rec.Notes.SalaryMin)
	require.Nil(t, rec.Notes.SalaryMax)
	require.Equal(t, "permanent", rec.Notes.ContractType)
	require.Equal(t, time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC), rec.PostedAt)
}

func TestParsePostedLayouts(t *testing.T) {
	t.Parallel()

	want := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2026-03-04", "Mar 4, 2026", "04 Mar 2026", "March 4, 2026"} {
		require.Equal(t, want, ParsePosted(in), in)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	stub := func(name string) Adapter {
		return AdapterFunc{SourceName: name, Fn: func(context.Context, jobs.SearchQuery) ([]jobs.JobRecord, error) {
			return nil, nil
		}}
	}
	r := NewRegistry()
	r.Register("b", stub("b"), nil)
	r.Register("a", stub("a"), stub("a-alt"))

	require.Equal(t, []string{"a", "b"}, r.Names())
	alt, ok := r.Alternate("a")
	require.True(t, ok)
	require.Equal(t, "a-alt", alt.Name())
	_, ok = r.Alternate("b")
	require.False(t, ok)
	_, ok = r.Primary("missing")
	require.False(t, ok)
}
