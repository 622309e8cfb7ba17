package cmd

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/predmkts/predmkts/internal/core/datasource"
	"github.com/predmkts/predmkts/internal/observability"
	"github.com/predmkts/predmkts/internal/output"
)

var (
	fetchParams     []string
	fetchMaxPages   int
	fetchMaxRecords int
	fetchStats      bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <source> <endpoint>",
	Short: "Fetch a paginated endpoint through the rate limiter",
	Long: `Fetch every page of an exchange endpoint through the shared rate limiter.

Sources: polymarket, kalshi.

Examples:
  predmkts fetch polymarket /markets --param active=true --max-pages 3
  predmkts fetch kalshi /markets --param status=open --output-format json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		params, err := parseParams(fetchParams)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		limiter, err := newLimiter(cfg, false)
		if err != nil {
			return err
		}
		src, err := datasource.New(args[0], newExecutor(cfg, limiter), cfg.Sources[strings.ToLower(args[0])])
		if err != nil {
			return err
		}

		result, fetchErr := datasource.Collect(cmd.Context(), src, args[1], params, datasource.Limits{
			MaxPages:   fetchMaxPages,
			MaxRecords: fetchMaxRecords,
		})
		if fetchErr != nil && (result == nil || len(result.Pages) == 0) {
			return fetchErr
		}
		if fetchErr != nil {
			observability.CLILogger.Warn("Fetch stopped early; writing partial result",
				zap.String("source", src.Name()),
				zap.Int("pages", len(result.Pages)),
				zap.Error(fetchErr))
		}

		err = writeReport(cmd, src.Name()+" "+args[1], format, func(w io.Writer) error {
			rendered, err := output.Collection(format, result)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(w, rendered); err != nil {
				return err
			}
			if !fetchStats {
				return nil
			}
			stats, err := output.Stats(format, limiter.Stats())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(w, stats)
			return err
		})
		if err != nil {
			return err
		}
		return fetchErr
	},
}

// parseParams turns repeated key=value flags into query parameters.
func parseParams(values []string) (url.Values, error) {
	params := url.Values{}
	for _, raw := range values {
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q (expected key=value)", raw)
		}
		params.Add(key, value)
	}
	return params, nil
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringArrayVar(&fetchParams, "param", nil, "Query parameter as key=value (repeatable)")
	fetchCmd.Flags().IntVar(&fetchMaxPages, "max-pages", 0, "Stop after this many pages (0 = unbounded)")
	fetchCmd.Flags().IntVar(&fetchMaxRecords, "max-records", 0, "Stop after this many records (0 = unbounded)")
	fetchCmd.Flags().BoolVar(&fetchStats, "stats", false, "Print limiter statistics after the fetch")
	addOutputFlags(fetchCmd, output.FormatTable, output.FormatJSON, output.FormatMarkdown, output.FormatCSV)
}
