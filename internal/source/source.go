// Package source defines the adapter contract for external job listing
// providers and the normalization every adapter applies to what it scrapes.
package source

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/autoapply/internal/jobs"
)

// Adapter queries one external listing provider. Errors must be
// *jobs.SourceError so callers can route on the kind.
type Adapter interface {
	Name() string
	Search(ctx context.Context, q jobs.SearchQuery) ([]jobs.JobRecord, error)
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc struct {
	SourceName string
	Fn         func(ctx context.Context, q jobs.SearchQuery) ([]jobs.JobRecord, error)
}

// Name implements Adapter.
func (a AdapterFunc) Name() string { return a.SourceName }

// Search implements Adapter.
func (a AdapterFunc) Search(ctx context.Context, q jobs.SearchQuery) ([]jobs.JobRecord, error) {
	return a.Fn(ctx, q)
}

// RawListing is a loosely typed listing as it comes off the wire.
type RawListing struct {
	NativeID     string
	Title        string
	Company      string
	Location     string
	URL          string
	Description  string
	Posted       string
	SalaryMin    float64
	SalaryMax    float64
	ContractType string
	RemotePolicy string
	Tags         []string
}

// Defaults applied to listings missing a field.
const (
	UnknownTitle    = "Untitled position"
	UnknownCompany  = "Unknown company"
	UnknownLocation = "Unspecified"
)

var postedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"Jan 2, 2006",
	"January 2, 2006",
	"02 Jan 2006",
	"2 January 2006",
	"01/02/2006",
}

// Normalize maps a raw listing onto a JobRecord. Missing fields are defaulted
// and unparseable dates are left zero; normalization never fails.
func Normalize(source string, raw RawListing) jobs.JobRecord {
	url := strings.TrimSpace(raw.URL)
	nativeID := strings.TrimSpace(raw.NativeID)
	rec := jobs.JobRecord{
		ID:          jobs.JobID(source, nativeID, url),
		NativeID:    nativeID,
		Title:       orDefault(raw.Title, UnknownTitle),
		Company:     orDefault(raw.Company, UnknownCompany),
		Location:    orDefault(raw.Location, UnknownLocation),
		Source:      source,
		URL:         url,
		Description: collapse(raw.Description),
		PostedAt:    ParsePosted(raw.Posted),
		Status:      jobs.JobStatusNew,
		Notes: jobs.Notes{
			ContractType: strings.TrimSpace(raw.ContractType),
			RemotePolicy: strings.TrimSpace(raw.RemotePolicy),
			Tags:         raw.Tags,
		},
	}
	if raw.SalaryMin > 0 {
		v := raw.SalaryMin
		rec.Notes.SalaryMin = &v
	}
	if raw.SalaryMax > 0 {
		v := raw.SalaryMax
		rec.Notes.SalaryMax = &v
	}
	return rec
}

// ParsePosted parses a posting date in any of the common layouts boards use.
func ParsePosted(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range postedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func orDefault(value, fallback string) string {
	value = collapse(value)
	if value == "" {
		return fallback
	}
	return value
}

func collapse(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

// Registry resolves the primary and alternate adapters for each source.
type Registry struct {
	mu        sync.RWMutex
	primary   map[string]Adapter
	alternate map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		primary:   make(map[string]Adapter),
		alternate: make(map[string]Adapter),
	}
}

// Register installs the adapters for a source. alternate may be nil.
func (r *Registry) Register(name string, primary, alternate Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary[name] = primary
	if alternate != nil {
		r.alternate[name] = alternate
	} else {
		delete(r.alternate, name)
	}
}

// Primary returns the primary adapter for a source.
func (r *Registry) Primary(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.primary[name]
	return a, ok
}

// Alternate returns the alternate-endpoint adapter for a source, if configured.
func (r *Registry) Alternate(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.alternate[name]
	return a, ok
}

// Names lists registered sources in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.primary))
	for name := range r.primary {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
