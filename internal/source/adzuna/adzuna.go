// Package adzuna queries an Adzuna-style JSON job search API.
package adzuna

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/autoapply/internal/credentials"
	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/source"
)

const (
	defaultBaseURL = "https://api.adzuna.com/v1/api/jobs"
	defaultCountry = "us"
	defaultTimeout = 15 * time.Second
	maxPageSize    = 50
	maxBodyBytes   = 4 << 20
)

// Config controls request shaping and pacing.
type Config struct {
	Name    string
	BaseURL string
	Country string
	// CredentialService names the credential looked up for app_id/app_key.
	CredentialService string
	Timeout           time.Duration
	// RequestsPerSecond paces outgoing calls client-side. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// Adapter implements source.Adapter against the Adzuna search endpoint.
type Adapter struct {
	cfg    Config
	client *http.Client
	creds  credentials.Provider
	pacer  *rate.Limiter
	logger *zap.Logger
}

// New builds an Adapter. A nil client uses one with the configured timeout.
func New(cfg Config, creds credentials.Provider, client *http.Client, logger *zap.Logger) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "adzuna"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Country == "" {
		cfg.Country = defaultCountry
	}
	if cfg.CredentialService == "" {
		cfg.CredentialService = "adzuna"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var pacer *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Adapter{
		cfg:    cfg,
		client: client,
		creds:  creds,
		pacer:  pacer,
		logger: logger.Named("adzuna").With(zap.String("source", cfg.Name)),
	}
}

// Name implements source.Adapter.
func (a *Adapter) Name() string {
	return a.cfg.Name
}

type searchResponse struct {
	Results []result `json:"results"`
	Count   int      `json:"count"`
}

type result struct {
	ID           flexID      `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	Company      displayName `json:"company"`
	Location     displayName `json:"location"`
	SalaryMin    float64     `json:"salary_min"`
	SalaryMax    float64     `json:"salary_max"`
	RedirectURL  string      `json:"redirect_url"`
	Created      string      `json:"created"`
	ContractTime string      `json:"contract_time"`
	ContractType string      `json:"contract_type"`
	Category     struct {
		Label string `json:"label"`
	} `json:"category"`
}

type displayName struct {
	DisplayName string `json:"display_name"`
}

// flexID accepts listing ids encoded as either strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("listing id: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

// Search implements source.Adapter. One call fetches one page.
func (a *Adapter) Search(ctx context.Context, q jobs.SearchQuery) ([]jobs.JobRecord, error) {
	cred, err := a.creds.Get(a.cfg.CredentialService)
	if err != nil {
		return nil, jobs.NewSourceError(a.cfg.Name, jobs.KindAuth, err)
	}
	if a.pacer != nil {
		if err := a.pacer.Wait(ctx); err != nil {
			return nil, jobs.NewSourceError(a.cfg.Name, transportKind(err), fmt.Errorf("pace: %w", err))
		}
	}

	reqURL, err := a.buildURL(q, cred)
	if err != nil {
		return nil, jobs.NewSourceError(a.cfg.Name, jobs.KindParse, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, jobs.NewSourceError(a.cfg.Name, jobs.KindParse, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, jobs.NewSourceError(a.cfg.Name, transportKind(err), fmt.Errorf("http GET: %w", err))
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			a.logger.Debug("close body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, jobs.NewSourceError(a.cfg.Name, transportKind(err), fmt.Errorf("read body: %w", err))
	}
	if kind := jobs.KindForStatus(resp.StatusCode); kind != "" {
		return nil, jobs.NewSourceError(a.cfg.Name, kind, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(body)))
	}

	var payload searchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, jobs.NewSourceError(a.cfg.Name, jobs.KindParse, fmt.Errorf("decode: %w", err))
	}

	records := make([]jobs.JobRecord, 0, len(payload.Results))
	for _, r := range payload.Results {
		var tags []string
		if r.Category.Label != "" {
			tags = []string{r.Category.Label}
		}
		records = append(records, source.Normalize(a.cfg.Name, source.RawListing{
			NativeID:     string(r.ID),
			Title:        r.Title,
			Company:      r.Company.DisplayName,
			Location:     r.Location.DisplayName,
			URL:          r.RedirectURL,
			Description:  r.Description,
			Posted:       r.Created,
			SalaryMin:    r.SalaryMin,
			SalaryMax:    r.SalaryMax,
			ContractType: firstNonEmpty(r.ContractType, r.ContractTime),
			Tags:         tags,
		}))
	}
	a.logger.Debug("search complete", zap.Int("records", len(records)), zap.Int("total", payload.Count))
	return records, nil
}

func (a *Adapter) buildURL(q jobs.SearchQuery, cred credentials.Credential) (string, error) {
	n := q.Normalized()
	pageSize := n.Limit
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	base, err := url.Parse(strings.TrimRight(a.cfg.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	base = base.JoinPath(a.cfg.Country, "search", strconv.Itoa(n.Offset/pageSize+1))

	what := n.Keywords
	if n.Filters.Remote != nil && *n.Filters.Remote {
		what = strings.TrimSpace(what + " remote")
	}
	params := url.Values{}
	params.Set("app_id", cred.Key)
	params.Set("app_key", cred.Secret)
	params.Set("results_per_page", strconv.Itoa(pageSize))
	params.Set("what", what)
	if n.Location != "" {
		params.Set("where", n.Location)
	}
	if n.Filters.Company != "" {
		params.Set("company", n.Filters.Company)
	}
	if days := int(n.Filters.PostedWithin / (24 * time.Hour)); days > 0 {
		params.Set("max_days_old", strconv.Itoa(days))
	}
	if len(n.Filters.ExcludeTerms) > 0 {
		params.Set("what_exclude", strings.Join(n.Filters.ExcludeTerms, " "))
	}
	params.Set("content-type", "application/json")
	params.Set("sort_by", "date")
	base.RawQuery = params.Encode()
	return base.String(), nil
}

func transportKind(err error) jobs.ErrorKind {
	if errors.Is(err, context.Canceled) {
		return jobs.KindTimeout
	}
	if kind := jobs.Classify(err); kind != jobs.KindUnknown {
		return kind
	}
	return jobs.KindNetwork
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
