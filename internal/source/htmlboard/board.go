// Package htmlboard scrapes job listings from server-rendered HTML boards with
// gocolly, driven by a per-board selector set.
package htmlboard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/source"
)

// Selectors locate listing fields inside a results page.
type Selectors struct {
	Item     string `mapstructure:"item"`
	Title    string `mapstructure:"title"`
	Company  string `mapstructure:"company"`
	Location string `mapstructure:"location"`
	Link     string `mapstructure:"link"`
	Posted   string `mapstructure:"posted"`
	// IDAttr names an attribute on the item element holding the native id.
	IDAttr string `mapstructure:"id_attr"`
}

// Config controls collector behavior.
type Config struct {
	Name string
	// SearchURL is a template with {keywords}, {location}, {page} and {offset}
	// placeholders, substituted query-escaped.
	SearchURL string
	Selectors Selectors
	UserAgent string
	Timeout   time.Duration
	// RespectRobots makes the collector honour the board's robots.txt.
	RespectRobots bool
	// ShellThreshold is the body size under which a script-heavy page with no
	// listings is treated as a client-rendered shell. Zero uses 2048.
	ShellThreshold int
}

// Board implements source.Adapter using the Colly collector.
type Board struct {
	cfg       Config
	transport http.RoundTripper
	logger    *zap.Logger
}

// New builds a Board.
func New(cfg Config, logger *zap.Logger) (*Board, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("htmlboard: name is required")
	}
	if cfg.SearchURL == "" {
		return nil, fmt.Errorf("htmlboard %s: search url is required", cfg.Name)
	}
	if cfg.Selectors.Item == "" || cfg.Selectors.Title == "" {
		return nil, fmt.Errorf("htmlboard %s: item and title selectors are required", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ShellThreshold <= 0 {
		cfg.ShellThreshold = defaultShellThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("htmlboard").With(zap.String("source", cfg.Name))
	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		transport = &robotsTransport{base: transport, source: cfg.Name, logger: logger}
	}
	return &Board{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
	}, nil
}

// Name implements source.Adapter.
func (b *Board) Name() string {
	return b.cfg.Name
}

type visitResult struct {
	records []jobs.JobRecord
	status  int
	body    []byte
	err     error
}

// Search implements source.Adapter.
func (b *Board) Search(ctx context.Context, q jobs.SearchQuery) ([]jobs.JobRecord, error) {
	n := q.Normalized()
	target := b.searchURL(n)

	done := make(chan visitResult, 1)
	go func() {
		done <- b.visit(ctx, target, n.Limit)
	}()

	select {
	case <-ctx.Done():
		return nil, jobs.NewSourceError(b.cfg.Name, jobs.Classify(ctx.Err()), fmt.Errorf("colly fetch canceled: %w", ctx.Err()))
	case res := <-done:
		if res.err != nil {
			kind := jobs.KindForStatus(res.status)
			if res.status == 0 {
				kind = transportKind(res.err)
			}
			return nil, jobs.NewSourceError(b.cfg.Name, kind, fmt.Errorf("colly visit failed: %w", res.err))
		}
		if len(res.records) == 0 && looksLikeShell(res.body, b.cfg.ShellThreshold) {
			return nil, jobs.NewSourceError(b.cfg.Name, jobs.KindParse, fmt.Errorf("%s: %w", target, ErrRenderRequired))
		}
		b.logger.Debug("scrape complete", zap.Int("records", len(res.records)), zap.String("url", target))
		return res.records, nil
	}
}

func (b *Board) visit(ctx context.Context, target string, limit int) visitResult {
	var res visitResult
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	)
	if b.cfg.UserAgent != "" {
		c.UserAgent = b.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !b.cfg.RespectRobots
	c.WithTransport(b.transport)
	c.SetRequestTimeout(b.cfg.Timeout)

	sel := b.cfg.Selectors
	c.OnHTML(sel.Item, func(e *colly.HTMLElement) {
		if len(res.records) >= limit {
			return
		}
		res.records = append(res.records, source.Normalize(b.cfg.Name, b.extract(e)))
	})
	c.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		res.body = r.Body
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			res.status = r.StatusCode
		}
		res.err = err
	})

	if err := c.Visit(target); err != nil && res.err == nil {
		res.err = err
	}
	return res
}

func (b *Board) extract(e *colly.HTMLElement) source.RawListing {
	sel := b.cfg.Selectors
	raw := source.RawListing{
		Title: e.ChildText(sel.Title),
	}
	if sel.Company != "" {
		raw.Company = e.ChildText(sel.Company)
	}
	if sel.Location != "" {
		raw.Location = e.ChildText(sel.Location)
	}
	href := e.Attr("href")
	if sel.Link != "" {
		href = e.ChildAttr(sel.Link, "href")
	}
	if href != "" {
		raw.URL = e.Request.AbsoluteURL(href)
	}
	if sel.Posted != "" {
		raw.Posted = e.ChildAttr(sel.Posted, "datetime")
		if raw.Posted == "" {
			raw.Posted = e.ChildText(sel.Posted)
		}
	}
	if sel.IDAttr != "" {
		raw.NativeID = e.Attr(sel.IDAttr)
	}
	return raw
}

func (b *Board) searchURL(q jobs.SearchQuery) string {
	r := strings.NewReplacer(
		"{keywords}", url.QueryEscape(q.Keywords),
		"{location}", url.QueryEscape(q.Location),
		"{page}", strconv.Itoa(q.Page()),
		"{offset}", strconv.Itoa(q.Offset),
	)
	return r.Replace(b.cfg.SearchURL)
}

func transportKind(err error) jobs.ErrorKind {
	if errors.Is(err, colly.ErrRobotsTxtBlocked) {
		return jobs.KindAuth
	}
	if kind := jobs.Classify(err); kind != jobs.KindUnknown {
		return kind
	}
	return jobs.KindNetwork
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
