package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/predmkts/predmkts/internal/core/store"
	"github.com/predmkts/predmkts/internal/output"
)

var (
	rateLimitResetAll    bool
	rateLimitResetKey    string
	rateLimitResetPrefix string
	rateLimitResetYes    bool
	rateLimitResetDryRun bool
)

// resetResult reports a bucket reset.
type resetResult struct {
	Matched int   `json:"matched"`
	Deleted int64 `json:"deleted"`
	DryRun  bool  `json:"dry_run"`
}

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset stored bucket snapshots",
	Long: `Delete persisted bucket snapshots so the next run starts from the
configured limits instead of restored state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		query := store.BucketQuery{
			All:    rateLimitResetAll,
			Key:    strings.TrimSpace(rateLimitResetKey),
			Prefix: strings.TrimSpace(rateLimitResetPrefix),
		}
		if err := query.Validate(); err != nil {
			return err
		}
		if query.All && !rateLimitResetYes && !rateLimitResetDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		db, err := openBucketStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		matched, err := db.CountBuckets(cmd.Context(), query)
		if err != nil {
			return err
		}

		return writeReport(cmd, "rate-limit.reset", format, func(w io.Writer) error {
			if rateLimitResetDryRun {
				return writeResetResult(format, w, resetResult{Matched: matched, DryRun: true})
			}
			deleted, err := db.ResetBuckets(cmd.Context(), query)
			if err != nil {
				return err
			}
			return writeResetResult(format, w, resetResult{Matched: matched, Deleted: deleted})
		})
	},
}

func writeResetResult(format output.Format, w io.Writer, result resetResult) error {
	if format == output.FormatJSON {
		payload, err := output.JSON(result)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, payload)
		return err
	}

	if result.DryRun {
		_, err := fmt.Fprintf(w, "Would delete %d bucket snapshot(s)\n", result.Matched)
		return err
	}
	_, err := fmt.Fprintf(w, "Deleted %d/%d bucket snapshot(s)\n", result.Deleted, result.Matched)
	return err
}

func init() {
	addOutputFlags(rateLimitResetCmd, output.FormatTable, output.FormatJSON)
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetAll, "all", false, "Reset all buckets")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetKey, "key", "", "Reset a single bucket (exact match)")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetPrefix, "prefix", "", "Reset buckets with matching key prefix")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetYes, "yes", false, "Confirm destructive reset")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetDryRun, "dry-run", false, "Show what would be deleted")
}
