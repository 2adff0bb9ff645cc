package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"adpilot/internal/domain"
	"adpilot/internal/engine"
	"adpilot/internal/filter"
	"adpilot/internal/repo"
)

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{
		Use:   "rule",
		Short: "Manage and run rules",
		Long:  "Rules pair a filter expression with an action on one campaign. Run them manually, preview them, or export them to the platform.",
	}
	rule.AddCommand(ruleCreateCmd())
	rule.AddCommand(ruleListCmd())
	rule.AddCommand(ruleShowCmd())
	rule.AddCommand(ruleUpdateCmd())
	rule.AddCommand(ruleDeleteCmd())
	rule.AddCommand(ruleRunCmd())
	rule.AddCommand(rulePreviewCmd())
	rule.AddCommand(ruleExportCmd())
	rule.AddCommand(ruleGenerateCmd())
	return rule
}

func ruleCreateCmd() *cobra.Command {
	var file, name, campaignID, filterFile, action, datePreset string
	var dailyBudget, lifetimeBudget float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rule",
		Long: `Create a rule from a YAML/JSON file (--file) or from flags.
Example file:
  name: Pause expensive ad sets
  campaign_id: "120200000000"
  filter:
    logical_operator: AND
    conditions:
      - {field: cpa, operator: greater_than, value: 25}
      - {field: spend, operator: above_average}
  action: {type: PAUSE}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in engine.RuleInput
			if file != "" {
				if err := readDocument(file, &in); err != nil {
					return err
				}
			}
			if name != "" {
				in.Name = name
			}
			if campaignID != "" {
				in.CampaignID = campaignID
			}
			if datePreset != "" {
				in.DatePreset = datePreset
			}
			if filterFile != "" {
				if err := readDocument(filterFile, &in.Filter); err != nil {
					return err
				}
			}
			if action != "" {
				in.Action = actionFromFlags(cmd, action, dailyBudget, lifetimeBudget)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rule, err := e.CreateRule(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printRule(rule)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "rule definition file (YAML or JSON, - for stdin)")
	cmd.Flags().StringVar(&name, "name", "", "rule name")
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign id")
	cmd.Flags().StringVar(&filterFile, "filter-file", "", "filter expression file")
	cmd.Flags().StringVar(&action, "action", "", "action type (PAUSE, ACTIVATE, CHANGE_BUDGET)")
	cmd.Flags().Float64Var(&dailyBudget, "daily-budget", 0, "daily budget for CHANGE_BUDGET")
	cmd.Flags().Float64Var(&lifetimeBudget, "lifetime-budget", 0, "lifetime budget for CHANGE_BUDGET")
	cmd.Flags().StringVar(&datePreset, "date-preset", "", "insights period (default from config)")
	return cmd
}

func actionFromFlags(cmd *cobra.Command, action string, daily, lifetime float64) domain.RuleAction {
	a := domain.RuleAction{Type: domain.ActionType(strings.ToUpper(strings.TrimSpace(action)))}
	if cmd.Flags().Changed("daily-budget") {
		a.DailyBudget = &daily
	}
	if cmd.Flags().Changed("lifetime-budget") {
		a.LifetimeBudget = &lifetime
	}
	return a
}

func ruleListCmd() *cobra.Command {
	var campaignID string
	var enabledOnly, disabledOnly bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.RuleFilters{CampaignID: campaignID, Limit: limit}
			if enabledOnly || disabledOnly {
				v := enabledOnly
				f.Enabled = &v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rules, err := e.ListRules(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Campaign", "Action", "Mode", "Enabled", "Runs", "Last action"})
				for _, r := range rules {
					tw.AppendRow(table.Row{r.ID, r.Name, r.CampaignID, r.Action.Type, r.ExecutionMode, r.Enabled, r.ExecutionCount, r.LastAction})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&campaignID, "campaign", "", "filter by campaign id")
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled rules")
	cmd.Flags().BoolVar(&disabledOnly, "disabled", false, "only disabled rules")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rules")
	cmd.MarkFlagsMutuallyExclusive("enabled", "disabled")
	return cmd
}

func ruleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <rule-id>",
		Short: "Show a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rule, err := e.GetRule(ctx, args[0])
				if err != nil {
					return err
				}
				return printRule(rule)
			})
		},
	}
}

func ruleUpdateCmd() *cobra.Command {
	var name, description, campaignID, filterFile, action, datePreset string
	var enable, disable bool
	var dailyBudget, lifetimeBudget float64
	cmd := &cobra.Command{
		Use:   "update <rule-id>",
		Short: "Update a rule",
		Long:  "Changing the filter, action or campaign of an exported rule detaches it from the platform rule and returns it to manual mode.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var up engine.RuleUpdate
			flags := cmd.Flags()
			if flags.Changed("name") {
				up.Name = &name
			}
			if flags.Changed("description") {
				up.Description = &description
			}
			if flags.Changed("campaign") {
				up.CampaignID = &campaignID
			}
			up.DatePreset = optionalString(datePreset)
			if filterFile != "" {
				var f domain.FilterExpression
				if err := readDocument(filterFile, &f); err != nil {
					return err
				}
				up.Filter = &f
			}
			if action != "" {
				a := actionFromFlags(cmd, action, dailyBudget, lifetimeBudget)
				up.Action = &a
			}
			if enable || disable {
				v := enable
				up.Enabled = &v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rule, err := e.UpdateRule(ctx, args[0], up, actorID())
				if err != nil {
					return err
				}
				return printRule(rule)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "rule name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign id")
	cmd.Flags().StringVar(&filterFile, "filter-file", "", "filter expression file")
	cmd.Flags().StringVar(&action, "action", "", "action type")
	cmd.Flags().Float64Var(&dailyBudget, "daily-budget", 0, "daily budget for CHANGE_BUDGET")
	cmd.Flags().Float64Var(&lifetimeBudget, "lifetime-budget", 0, "lifetime budget for CHANGE_BUDGET")
	cmd.Flags().StringVar(&datePreset, "date-preset", "", "insights period")
	cmd.Flags().BoolVar(&enable, "enable", false, "enable the rule")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable the rule")
	cmd.MarkFlagsMutuallyExclusive("enable", "disable")
	return cmd
}

func ruleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteRule(ctx, args[0], actorID()); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": args[0]})
				}
				fmt.Printf("Deleted rule %s\n", args[0])
				return nil
			})
		},
	}
}

func ruleRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <rule-id>",
		Short: "Execute a rule against the live campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.ExecuteRule(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printReport(rep)
			})
		},
	}
}

func rulePreviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <rule-id>",
		Short: "Show the ad sets a rule would act on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.PreviewRule(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%d of %d ad sets match; %s would be applied to:\n", p.Report.MatchedCount, p.Report.TotalAdSets, p.Report.Action)
				printAdSets(p.Matches)
				return nil
			})
		},
	}
}

func ruleExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <rule-id>",
		Short: "Create the rule as a platform automated rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rule, err := e.ExportRule(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rule)
				}
				fmt.Printf("Exported rule %s as platform rule %s\n", rule.ID, deref(rule.PlatformRuleID))
				return nil
			})
		},
	}
}

func ruleGenerateCmd() *cobra.Command {
	var prompt, campaignID, datePreset string
	var save bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Draft a rule from a natural-language request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("--prompt required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.GenerateRule(ctx, engine.GenerateOptions{
					Prompt:     prompt,
					CampaignID: campaignID,
					DatePreset: datePreset,
					Save:       save,
					ActorID:    actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("%s\n", out.Draft.Name)
				if out.Draft.Explanation != "" {
					fmt.Printf("  %s\n", out.Draft.Explanation)
				}
				if out.Rule != nil {
					fmt.Printf("Saved as rule %s\n", out.Rule.ID)
				}
				return printJSONOrTable(map[string]any{"filter": out.Draft.Filter, "action": out.Draft.Action})
			})
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "what the rule should do")
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign id (gives the model live context; required with --save)")
	cmd.Flags().StringVar(&datePreset, "date-preset", "", "insights period")
	cmd.Flags().BoolVar(&save, "save", false, "store the draft as a rule")
	return cmd
}

func printRule(rule domain.Rule) error {
	if viper.GetBool("json") {
		return printJSON(rule)
	}
	fmt.Printf("Rule %s: %s\n", rule.ID, rule.Name)
	fmt.Printf("  campaign: %s  action: %s  mode: %s  enabled: %t\n", rule.CampaignID, rule.Action.Type, rule.ExecutionMode, rule.Enabled)
	fmt.Printf("  conditions: %d  date preset: %s  runs: %d\n", rule.Filter.CountConditions(), rule.DatePreset, rule.ExecutionCount)
	if rule.LastAction != "" {
		fmt.Printf("  last action: %s\n", rule.LastAction)
	}
	return nil
}

func printReport(rep domain.ExecutionReport) error {
	if viper.GetBool("json") {
		return printJSON(rep)
	}
	fmt.Println(rep.Summary())
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Ad set", "Name", "Action", "OK", "Error"})
	for _, r := range rep.Results {
		tw.AppendRow(table.Row{r.ID, r.Name, r.Action, r.Success, r.Error})
	}
	tw.Render()
	return nil
}

func printAdSets(items []domain.AdSetSnapshot) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Status", "Spend", "CPA", "ROAS", "CTR"})
	for i := range items {
		a := &items[i]
		row := table.Row{a.ID, a.Name, a.Status}
		for _, field := range []string{"spend", "cpa", "roas", "ctr"} {
			v, _ := filter.Number(a, field, "")
			row = append(row, fmt.Sprintf("%.2f", v))
		}
		tw.AppendRow(row)
	}
	tw.Render()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
