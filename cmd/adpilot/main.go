package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"adpilot/internal/app"
	"adpilot/internal/db"
	"adpilot/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "adpilot",
	Short: "adpilot CLI",
	Long: `adpilot filters ad sets with condition rules and finds optimization opportunities in campaigns.
Core concepts:
- Workspace: a directory holding adpilot.yml and the .adpilot database of rules and events.
- Agent: the HTTP service that talks to the ad platform; adpilot reads ad sets and writes status and budget changes through it.
- Rule: a filter expression plus an action (PAUSE, ACTIVATE, CHANGE_BUDGET) scoped to one campaign.
- Filter: conditions joined by AND/OR, with nested groups. Statistical operators (above_average, above_percentile, ...) compare against the campaign population.
- Preview: a dry run that shows which ad sets would be touched.
- Export: turns an AND-only rule into a native platform automated rule.
- Analyze: runs the optimization detectors (budget waste, creative fatigue, scaling) over a live campaign.
- Event log: every rule change, run and analysis; view with 'adpilot log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ADPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/adpilot.yml)")
	rootCmd.PersistentFlags().String("agent-url", "", "agent base URL (overrides config)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "config", "agent-url", "json", "actor-id", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func newLogger(jsonFormat bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openWorkspace(ctx context.Context, log *slog.Logger) (*app.Workspace, error) {
	return app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		AgentURL:   viper.GetString("agent-url"),
		Log:        log,
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	w, err := openWorkspace(ctx, newLogger(false))
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(ctx, w.Engine)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readDocument decodes a YAML or JSON file ("-" reads stdin) into out.
func readDocument(path string, out any) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
