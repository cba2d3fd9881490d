package cmd

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/api"
	"github.com/JakeFAU/autoapply/internal/jobs"
)

type searchFlags struct {
	keywords     string
	location     string
	company      string
	exclude      []string
	sources      []string
	remote       bool
	postedWithin time.Duration
	offset       int
	limit        int
	placeholders bool
}

func newSearchCmd() *cobra.Command {
	var f searchFlags
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search every configured source and print the merged listings",
		Long: `Queries the configured sources concurrently. Listings are de-duplicated,
cached and recorded in the job store on first observation. Sources that fail
are reported alongside the listings from the ones that succeeded.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			q, err := f.query(cmd)
			if err != nil {
				return err
			}
			res, err := appInstance.Engine().Search(cmd.Context(), q, f.sources, f.placeholders)
			if err != nil {
				return err
			}
			appInstance.Logger().Info("search finished",
				zap.Int("records", len(res.Records)),
				zap.Int("failed_sources", len(res.PerSourceErrors)),
				zap.Bool("placeholder", res.Placeholder),
			)
			return printJSON(cmd, api.NewSearchResponse(res))
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.keywords, "keywords", "k", "", "search keywords")
	flags.StringVarP(&f.location, "location", "l", "", "location")
	flags.StringVar(&f.company, "company", "", "only listings from this company")
	flags.StringSliceVar(&f.exclude, "exclude", nil, "drop listings mentioning any of these terms")
	flags.StringSliceVar(&f.sources, "source", nil, "restrict to these sources (default: all configured)")
	flags.BoolVar(&f.remote, "remote", false, "only remote listings (pass --remote=false for on-site only)")
	flags.DurationVar(&f.postedWithin, "posted-within", 0, "only listings posted within this duration, e.g. 72h")
	flags.IntVar(&f.offset, "offset", 0, "result offset")
	flags.IntVar(&f.limit, "limit", jobs.DefaultLimit, "page size")
	flags.BoolVar(&f.placeholders, "placeholders", false, "return sample listings when every source comes back empty")
	return cmd
}

func (f searchFlags) query(cmd *cobra.Command) (jobs.SearchQuery, error) {
	if strings.TrimSpace(f.keywords) == "" && strings.TrimSpace(f.location) == "" {
		return jobs.SearchQuery{}, errors.New("--keywords or --location required")
	}
	if f.postedWithin < 0 {
		return jobs.SearchQuery{}, errors.New("--posted-within must be positive")
	}
	q := jobs.SearchQuery{
		Keywords: f.keywords,
		Location: f.location,
		Offset:   f.offset,
		Limit:    f.limit,
		Filters: jobs.Filters{
			Company:      f.company,
			ExcludeTerms: f.exclude,
			PostedWithin: f.postedWithin,
		},
	}
	if cmd.Flags().Changed("remote") {
		remote := f.remote
		q.Filters.Remote = &remote
	}
	return q, nil
}
