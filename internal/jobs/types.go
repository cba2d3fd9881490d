// Package jobs defines core types shared across the acquisition and application subsystems.
package jobs

import (
	"strings"
	"time"
)

// DefaultLimit is applied to queries that do not request a result limit.
const DefaultLimit = 25

// JobStatus represents the review lifecycle of a job listing.
type JobStatus string

// Job status values persisted in the record store.
const (
	JobStatusNew      JobStatus = "new"
	JobStatusReviewed JobStatus = "reviewed"
	JobStatusApplied  JobStatus = "applied"
	JobStatusRejected JobStatus = "rejected"
	JobStatusSample   JobStatus = "sample"
)

// ParseJobStatus converts a raw string to a JobStatus.
func ParseJobStatus(s string) (JobStatus, bool) {
	st := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case JobStatusNew, JobStatusReviewed, JobStatusApplied, JobStatusRejected, JobStatusSample:
		return st, true
	}
	return "", false
}

// Filters narrows a SearchQuery. All fields are optional.
type Filters struct {
	Remote       *bool         `json:"remote,omitempty" mapstructure:"remote"`
	PostedWithin time.Duration `json:"posted_within,omitempty" mapstructure:"posted_within"`
	Company      string        `json:"company,omitempty" mapstructure:"company"`
	ExcludeTerms []string      `json:"exclude_terms,omitempty" mapstructure:"exclude_terms"`
}

// SearchQuery is the normalized, source-agnostic description of a search.
// Values are passed by copy; nothing mutates a query once issued.
type SearchQuery struct {
	Keywords string  `json:"keywords" mapstructure:"keywords"`
	Location string  `json:"location" mapstructure:"location"`
	Offset   int     `json:"offset" mapstructure:"offset"`
	Limit    int     `json:"limit" mapstructure:"limit"`
	Filters  Filters `json:"filters" mapstructure:"filters"`
}

// Normalized returns a canonical copy used for cache keys and request shaping.
func (q SearchQuery) Normalized() SearchQuery {
	out := q
	out.Keywords = collapse(q.Keywords)
	out.Location = collapse(q.Location)
	out.Filters.Company = collapse(q.Filters.Company)
	if out.Offset < 0 {
		out.Offset = 0
	}
	if out.Limit <= 0 {
		out.Limit = DefaultLimit
	}
	if len(q.Filters.ExcludeTerms) > 0 {
		terms := make([]string, 0, len(q.Filters.ExcludeTerms))
		for _, t := range q.Filters.ExcludeTerms {
			if t = collapse(t); t != "" {
				terms = append(terms, t)
			}
		}
		out.Filters.ExcludeTerms = terms
	}
	return out
}

// Page returns the 1-based page index for page-oriented sources.
func (q SearchQuery) Page() int {
	n := q.Normalized()
	return n.Offset/n.Limit + 1
}

func collapse(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Notes carries sparse, optional metadata about a listing.
type Notes struct {
	SalaryMin    *float64 `json:"salary_min,omitempty"`
	SalaryMax    *float64 `json:"salary_max,omitempty"`
	ContractType string   `json:"contract_type,omitempty"`
	RemotePolicy string   `json:"remote_policy,omitempty"`
	Text         string   `json:"text,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// JobRecord is a normalized listing returned by any source.
type JobRecord struct {
	ID          string    `json:"id"`
	NativeID    string    `json:"native_id,omitempty"`
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	Location    string    `json:"location"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	Description string    `json:"description"`
	PostedAt    time.Time `json:"posted_at"`
	Status      JobStatus `json:"status"`
	MatchScore  float64   `json:"match_score"`
	Notes       Notes     `json:"notes"`
	Stale       bool      `json:"stale,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsPlaceholder reports whether the record was synthesized rather than fetched.
func (r JobRecord) IsPlaceholder() bool {
	return r.Status == JobStatusSample
}

// ClampScore bounds a match score to [0,1].
func ClampScore(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

// ContainsExcludedTerm reports whether any term occurs in the record's text fields.
func (r JobRecord) ContainsExcludedTerm(terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	combined := strings.ToLower(r.Title + " " + r.Company + " " + r.Description)
	for _, term := range terms {
		if term == "" {
			continue
		}
		if strings.Contains(combined, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

// CacheEntry stores one cached search result.
type CacheEntry struct {
	Key       string      `json:"key"`
	Payload   []JobRecord `json:"payload"`
	StoredAt  time.Time   `json:"stored_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Expired reports whether the entry must be treated as a miss.
func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Contact is the structured contact block taken from a resume.
type Contact struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Location  string `json:"location"`
	LinkedIn  string `json:"linkedin"`
	Website   string `json:"website"`
}

// FullName joins first and last names.
func (c Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Resume is the prepared application context for one resume.
type Resume struct {
	ID       string            `json:"id"`
	Owner    string            `json:"owner"`
	FilePath string            `json:"file_path"`
	Contact  Contact           `json:"contact"`
	Answers  map[string]string `json:"answers,omitempty"`
}
