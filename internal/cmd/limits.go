package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/predmkts/predmkts/internal/config"
	"github.com/predmkts/predmkts/internal/core/engine"
	"github.com/predmkts/predmkts/internal/output"
)

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Inspect configured exchange limits",
}

var limitsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective per-exchange limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		policies, fallback, err := cfg.Policies()
		if err != nil {
			return err
		}
		return writePolicies(cmd, "limits", format, policies, fallback)
	},
}

var limitsValidateCmd = &cobra.Command{
	Use:   "validate <limits-file>",
	Short: "Validate a standalone limits file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		exchanges, err := config.LoadLimitsFile(args[0])
		if err != nil {
			return err
		}
		cfg := &config.Config{Exchanges: exchanges}
		policies, fallback, err := cfg.Policies()
		if err != nil {
			return err
		}
		for _, p := range append(policies, fallback) {
			if err := p.Validate(); err != nil {
				return &config.ConfigError{Exchange: p.Exchange, Reason: err.Error()}
			}
		}
		return writePolicies(cmd, "limits.validate", format, policies, fallback)
	},
}

func writePolicies(cmd *cobra.Command, stem string, format output.Format, policies []engine.Policy, fallback engine.Policy) error {
	summaries := make([]engine.PolicySummary, 0, len(policies)+1)
	for _, p := range policies {
		summaries = append(summaries, p.Summary())
	}
	summaries = append(summaries, fallback.Summary())

	rendered, err := output.Policies(format, summaries)
	if err != nil {
		return err
	}

	return writeReport(cmd, stem, format, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, rendered)
		return err
	})
}

func init() {
	limitsCmd.AddCommand(limitsShowCmd)
	limitsCmd.AddCommand(limitsValidateCmd)
	rootCmd.AddCommand(limitsCmd)

	addOutputFlags(limitsShowCmd, output.FormatTable, output.FormatJSON, output.FormatMarkdown, output.FormatCSV)
	addOutputFlags(limitsValidateCmd, output.FormatTable, output.FormatJSON, output.FormatMarkdown, output.FormatCSV)
}
