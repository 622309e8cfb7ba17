package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/predmkts/predmkts/internal/core/store"
	"github.com/predmkts/predmkts/internal/output"
)

var (
	rateLimitListAll    bool
	rateLimitListKey    string
	rateLimitListPrefix string
)

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored bucket snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		query := store.BucketQuery{
			All:    rateLimitListAll,
			Key:    strings.TrimSpace(rateLimitListKey),
			Prefix: strings.TrimSpace(rateLimitListPrefix),
		}
		if query.Key == "" && query.Prefix == "" {
			query.All = true
		}

		db, err := openBucketStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		states, err := db.ListBuckets(cmd.Context(), query)
		if err != nil {
			return err
		}

		return writeReport(cmd, "rate-limit.list", format, func(w io.Writer) error {
			if len(states) == 0 && format == output.FormatTable {
				lines := []string{"Token Buckets", "", "(no stored bucket state)"}
				_, err := fmt.Fprint(w, ascii.DrawBox(strings.Join(lines, "\n"), 0))
				return err
			}
			rendered, err := output.Snapshots(format, states)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(w, rendered)
			return err
		})
	},
}

func init() {
	addOutputFlags(rateLimitListCmd, output.FormatTable, output.FormatJSON, output.FormatMarkdown, output.FormatCSV)
	rateLimitListCmd.Flags().BoolVar(&rateLimitListAll, "all", false, "List all buckets (default when no filter is given)")
	rateLimitListCmd.Flags().StringVar(&rateLimitListKey, "key", "", "List a single bucket (exact match)")
	rateLimitListCmd.Flags().StringVar(&rateLimitListPrefix, "prefix", "", "List buckets with matching key prefix")
}
