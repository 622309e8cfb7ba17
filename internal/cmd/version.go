package cmd

import (
	"fmt"
	"io"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"

	"github.com/predmkts/predmkts/internal/config"
)

var extended bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information. Use --extended for full details including Crucible and Go versions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeVersion(cmd.OutOrStdout(), extended)
	},
}

func writeVersion(w io.Writer, extended bool) error {
	if _, err := fmt.Fprintf(w, "%s %s\n", config.AppName, versionInfo.Version); err != nil {
		return err
	}
	if !extended {
		return nil
	}

	version := crucible.GetVersion()
	_, err := fmt.Fprintf(w, "Commit: %s\nBuilt: %s\nGo: %s\n\nGofulmen: %s\nCrucible: %s\n",
		versionInfo.Commit,
		versionInfo.BuildDate,
		runtime.Version(),
		version.Gofulmen,
		version.Crucible,
	)
	return err
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&extended, "extended", "e", false, "show extended version information")
}
