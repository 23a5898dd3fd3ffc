package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"pricepilot-api/pkg/models"
	"pricepilot-api/pkg/services"

	"github.com/spf13/cobra"
)

func newAnalyzeCmd() *cobra.Command {
	var (
		through  string
		horizon  int
		output   string
		salesCSV string
	)
	cmd := &cobra.Command{
		Use:   "analyze <observations.xlsx|observations.json>",
		Short: "Run the pricing pipeline for every product in a workbook or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := services.ParseStage(through)
			if err != nil {
				return err
			}
			observations, err := loadObservations(args[0])
			if err != nil {
				return err
			}
			if salesCSV != "" {
				if err := replaceSales(observations, salesCSV); err != nil {
					return err
				}
			}
			pipeline, err := buildPipeline()
			if err != nil {
				return err
			}

			reqs := make([]services.PipelineRequest, len(observations))
			for i, obs := range observations {
				reqs[i] = services.PipelineRequest{Observations: obs, Through: stage, HorizonDays: horizon}
			}
			items := pipeline.RunBatch(cmd.Context(), reqs)

			if output == "json" {
				return writeJSON(cmd.OutOrStdout(), items)
			}
			return writeSummary(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().StringVar(&through, "through", "", "last stage to run (signals, forecast, elasticity, optimize, decide)")
	cmd.Flags().IntVar(&horizon, "horizon", 0, "forecast horizon in days (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table, json)")
	cmd.Flags().StringVar(&salesCSV, "sales-csv", "", "sales CSV (date, product_id, units_sold[, price]) replacing the sales of the products it lists")
	return cmd
}

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the decision rule table",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order with their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, err := buildPipeline()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPRIORITY\tDECISION\tSTATUS\tTRIGGER")
			for _, r := range pipeline.Rules() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Priority, r.Action.Decision, r.Status, r.Trigger)
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Print the effective rule table as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, err := buildPipeline()
			if err != nil {
				return err
			}
			statuses := pipeline.Rules()
			rules := make([]models.DecisionRule, len(statuses))
			for i, s := range statuses {
				rules[i] = s.DecisionRule
			}
			data, err := services.MarshalRuleTable(rules)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}

func newSimulateCmd() *cobra.Command {
	var (
		product services.SimulatedProduct
		days    int
		seed    uint64
		end     string
		out     string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate reproducible synthetic observations for one product",
		RunE: func(cmd *cobra.Command, args []string) error {
			if product.ID == "" || product.BasePrice <= 0 {
				return fmt.Errorf("--id and a positive --price are required")
			}
			endDate := time.Now().UTC()
			if end != "" {
				var err error
				if endDate, err = time.Parse("2006-01-02", end); err != nil {
					return fmt.Errorf("--end must be YYYY-MM-DD: %w", err)
				}
			}
			obs := services.NewSalesSimulator(seed).Generate(product, days, endDate)
			logger.Info().Str("product_id", product.ID).Int("days", days).Int("sales", len(obs.Sales)).Msg("observations simulated")

			if out == "" {
				return writeJSON(cmd.OutOrStdout(), []models.ProductObservations{obs})
			}
			var buf bytes.Buffer
			if strings.EqualFold(filepath.Ext(out), ".xlsx") {
				if err := services.WriteWorkbook(&buf, []models.ProductObservations{obs}); err != nil {
					return err
				}
			} else if err := writeJSON(&buf, []models.ProductObservations{obs}); err != nil {
				return err
			}
			return os.WriteFile(out, buf.Bytes(), 0o644)
		},
	}
	cmd.Flags().StringVar(&product.ID, "id", "", "product id")
	cmd.Flags().StringVar(&product.Name, "name", "", "product name")
	cmd.Flags().StringVar(&product.Category, "category", "", "product category")
	cmd.Flags().Float64Var(&product.BasePrice, "price", 0, "base price")
	cmd.Flags().Float64Var(&product.UnitCost, "cost", 0, "unit cost (optional)")
	cmd.Flags().Float64Var(&product.BaseDemand, "demand", 50, "average daily units at base price")
	cmd.Flags().Float64Var(&product.GrowthRate, "growth", 0.0005, "daily demand growth rate")
	cmd.Flags().Float64Var(&product.Elasticity, "elasticity", -1.2, "true price elasticity")
	cmd.Flags().Float64Var(&product.MarketLevel, "market-level", 1, "competitor price level relative to base price")
	cmd.Flags().IntVar(&days, "days", 90, "number of days to simulate")
	cmd.Flags().Uint64Var(&seed, "seed", 42, "random seed")
	cmd.Flags().StringVar(&end, "end", "", "last simulated day (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&out, "out", "", "output file (.xlsx or .json, default stdout JSON)")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var (
		schedule string
		runNow   bool
	)
	cmd := &cobra.Command{
		Use:   "watch <observations.xlsx|observations.json>",
		Short: "Re-evaluate a workbook on a cron schedule until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, err := buildPipeline()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := args[0]
			source := func(context.Context) ([]services.PipelineRequest, error) {
				observations, err := loadObservations(path)
				if err != nil {
					return nil, err
				}
				reqs := make([]services.PipelineRequest, len(observations))
				for i, obs := range observations {
					reqs[i] = services.PipelineRequest{Observations: obs}
				}
				return reqs, nil
			}
			sink := func(items []services.BatchItem) {
				if err := writeSummary(cmd.OutOrStdout(), items); err != nil {
					logger.Error().Err(err).Msg("write summary")
				}
			}

			scheduler := services.NewEvaluationScheduler(ctx, pipeline, source, sink, logger)
			if err := scheduler.Register(schedule); err != nil {
				return err
			}
			if runNow {
				if _, err := scheduler.RunNow(ctx); err != nil {
					return err
				}
			}
			scheduler.Start()
			<-ctx.Done()
			scheduler.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "0 0 6 * * *", "cron schedule with seconds field")
	cmd.Flags().BoolVar(&runNow, "run-now", true, "evaluate once before waiting for the schedule")
	return cmd
}

// loadObservations reads a workbook (.xlsx) or a JSON array of product observations.
func loadObservations(path string) ([]models.ProductObservations, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return services.ImportWorkbook(f)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	var many []models.ProductObservations
	if err := json.Unmarshal(data, &many); err == nil {
		return many, nil
	}
	var one models.ProductObservations
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return []models.ProductObservations{one}, nil
}

// replaceSales swaps in the sales of every product listed in a sales CSV.
// Products absent from the CSV keep their sales; unknown product IDs are rejected.
func replaceSales(observations []models.ProductObservations, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sales, err := services.ReadSalesCSV(f)
	if err != nil {
		return err
	}
	byID := make(map[string][]models.SalesObservation)
	for _, s := range sales {
		byID[s.ProductID] = append(byID[s.ProductID], s)
	}
	for i := range observations {
		if rows, ok := byID[observations[i].Product.ID]; ok {
			observations[i].Sales = rows
			delete(byID, observations[i].Product.ID)
		}
	}
	if len(byID) > 0 {
		return fmt.Errorf("%s: sales for unknown products %v: %w", path, slices.Sorted(maps.Keys(byID)), services.ErrInvalidObservation)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeSummary prints one line per product with the final decision.
func writeSummary(w io.Writer, items []services.BatchItem) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRODUCT\tDECISION\tCHANGE%\tTARGET\tOPTIMAL\tCONFIDENCE\tRULE\tNOTE")
	for _, it := range items {
		if it.Err() != nil {
			fmt.Fprintf(tw, "%s\tERROR\t-\t-\t-\t-\t-\t%s: %s\n", it.ProductID, it.ErrorKind, it.Error)
			continue
		}
		res := it.Result
		optimal := "-"
		if res.Optimization != nil && !res.Optimization.Degenerate {
			optimal = fmt.Sprintf("%.2f", res.Optimization.OptimalPrice)
		}
		if res.Evaluation == nil {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t%s\t-\t-\tstopped after %s\n", it.ProductID, optimal, res.StagesRun[len(res.StagesRun)-1])
			continue
		}
		final := res.Evaluation.Final
		target := "-"
		if final.TargetPrice != nil {
			target = fmt.Sprintf("%.2f", *final.TargetPrice)
		}
		fmt.Fprintf(tw, "%s\t%s\t%+.2f\t%s\t%s\t%.0f\t%s\t%s\n",
			it.ProductID, final.Decision, final.MagnitudePct, target, optimal, final.Confidence, final.RuleID, strings.Join(res.Fallbacks, ","))
	}
	return tw.Flush()
}
