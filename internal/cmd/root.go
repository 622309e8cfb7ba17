package cmd

import (
	"sync"

	"github.com/spf13/cobra"

	"github.com/predmkts/predmkts/internal/config"
	"github.com/predmkts/predmkts/internal/observability"
)

var (
	cfgFile string
	verbose bool

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}

	loadOnce  sync.Once
	loadedCfg *config.Config
	loadErr   error
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Rate-limited data collection from prediction market APIs",
	Long: `predmkts fetches market data from prediction market exchanges through a
shared, header-aware rate limiter.

Use the subcommands to fetch data, inspect limits, manage persisted bucket
state or run the HTTP gateway.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// One-shot commands never export metrics; serve installs a live system.
	observability.InitDisabledMetrics()

	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/predmkts/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}

func initLogging() {
	observability.InitCLILogger(config.AppName, verbose)
}

// loadConfig reads the configuration once per process.
func loadConfig() (*config.Config, error) {
	loadOnce.Do(func() {
		loadedCfg, loadErr = config.Load(cfgFile)
	})
	return loadedCfg, loadErr
}
