package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"adpilot/internal/agent"
	"adpilot/internal/domain"
	"adpilot/internal/engine"
)

func analyzeCmd() *cobra.Command {
	var campaignID, datePreset string
	var targetCPA, targetROAS float64
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Find optimization opportunities in a campaign",
		Long:  "Fetches the campaign's ad sets through the agent and runs the budget, creative and scaling detectors. Recommendations are sorted by priority.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if campaignID == "" {
				return fmt.Errorf("--campaign required")
			}
			var override domain.ModuleConfig
			if cmd.Flags().Changed("target-cpa") {
				override.TargetCPA = &targetCPA
			}
			if cmd.Flags().Changed("target-roas") {
				override.TargetROAS = &targetROAS
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Analyze(ctx, engine.AnalyzeOptions{
					CampaignID: campaignID,
					DatePreset: datePreset,
					Config:     override,
					ActorID:    actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				fmt.Printf("Campaign %s: %d ad sets, %d recommendations\n", a.CampaignID, a.AdSetCount, len(a.Recommendations))
				printRecommendations(a.Recommendations)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign id")
	cmd.Flags().StringVar(&datePreset, "date-preset", "", "insights period")
	cmd.Flags().Float64Var(&targetCPA, "target-cpa", 0, "target cost per acquisition")
	cmd.Flags().Float64Var(&targetROAS, "target-roas", 0, "target return on ad spend")
	return cmd
}

func statsCmd() *cobra.Command {
	var campaignID, datePreset string
	var metrics []string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize campaign metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if campaignID == "" {
				return fmt.Errorf("--campaign required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Statistics(ctx, campaignID, datePreset, metrics)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				printStatistics(s)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign id")
	cmd.Flags().StringVar(&datePreset, "date-preset", "", "insights period")
	cmd.Flags().StringSliceVar(&metrics, "metric", nil, "metrics to summarize (default: all numeric fields)")
	return cmd
}

// evaluateDocument is the offline input of `adpilot evaluate`.
type evaluateDocument struct {
	Filter     domain.FilterExpression `yaml:"filter"`
	AdSets     []map[string]any        `yaml:"ad_sets"`
	MinorUnits bool                    `yaml:"minor_units"`
}

func evaluateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Filter ad sets from a file without contacting the agent",
		Long:  "The file holds a filter and ad_sets in the agent's wire shape (YAML or JSON).",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			var doc evaluateDocument
			if err := readDocument(file, &doc); err != nil {
				return err
			}
			population := make([]domain.AdSetSnapshot, 0, len(doc.AdSets))
			for _, raw := range doc.AdSets {
				population = append(population, agent.Normalize(raw, agent.NormalizeOptions{MinorUnits: doc.MinorUnits}))
			}
			e := engine.New(nil, nil)
			e.Log = newLogger(false)
			res, err := e.Evaluate(population, doc.Filter)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("%d of %d ad sets match\n", len(res.Matches), res.Total)
			printAdSets(res.Matches)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "input file (- for stdin)")
	return cmd
}

func printRecommendations(recs []domain.Recommendation) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Priority", "Type", "Ad set", "Detected", "Benchmark", "Confidence", "Message"})
	for _, r := range recs {
		tw.AppendRow(table.Row{r.Priority, r.Type, r.EntityName, fmt.Sprintf("%.2f", r.DetectedValue), fmt.Sprintf("%.2f", r.BenchmarkValue), fmt.Sprintf("%.0f%%", r.Confidence), r.Message})
	}
	tw.Render()
}

func printStatistics(s domain.CampaignStatistics) {
	names := make([]string, 0, len(s.Metrics))
	for name := range s.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Metric", "Count", "Average", "Median", "Min", "Max", "P90", "Trend"})
	for _, name := range names {
		m := s.Metrics[name]
		tw.AppendRow(table.Row{name, m.Count, fmt.Sprintf("%.2f", m.Average), fmt.Sprintf("%.2f", m.Median), fmt.Sprintf("%.2f", m.Min), fmt.Sprintf("%.2f", m.Max), fmt.Sprintf("%.2f", m.Percentiles[90]), m.Trend})
	}
	tw.Render()
}
