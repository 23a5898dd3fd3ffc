// pricectl runs the pricing pipeline from the command line.
package main

import (
	"fmt"
	"os"

	config "pricepilot-api/configs"
	"pricepilot-api/pkg/models"
	"pricepilot-api/pkg/services"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
)

var (
	pipelineCfg services.PipelineConfig
	logger      zerolog.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pricectl",
		Short:         "PricePilot pricing intelligence from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			svc := config.LoadConfig()
			if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
				svc.LogLevel = lvl
			}
			if format, _ := cmd.Flags().GetString("log-format"); format != "" {
				svc.LogFormat = format
			}
			logger = config.NewLogger(svc)

			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = svc.PipelineConfigPath
			}
			var err error
			if pipelineCfg, err = config.LoadPipelineConfig(path); err != nil {
				return fmt.Errorf("failed to load pipeline config: %w", err)
			}
			if rules, _ := cmd.Flags().GetString("rules"); rules != "" {
				pipelineCfg.RulesFile = rules
			}
			return nil
		},
	}

	root.PersistentFlags().String("config", "", "pipeline config file (YAML)")
	root.PersistentFlags().String("rules", "", "rule table file (YAML), overrides rules_file")
	root.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "log format (console, json)")

	root.AddCommand(newVersionCmd(), newAnalyzeCmd(), newRulesCmd(), newSimulateCmd(), newWatchCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pricectl %s (commit %s, schema %s)\n", version, commit, models.SchemaVersion)
		},
	}
}

// buildPipeline loads the configured rule table and constructs the pipeline.
func buildPipeline() (*services.Pipeline, error) {
	var table *services.RuleTable
	if pipelineCfg.RulesFile != "" {
		var err error
		if table, err = services.LoadRuleTable(pipelineCfg.RulesFile); err != nil {
			return nil, err
		}
	}
	return services.NewPipeline(pipelineCfg, table, services.WithLogger(logger))
}
