package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"governor/internal/app"
	"governor/internal/engine"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "governor",
	Short: "Trading governance worker",
	Long: `Governor watches portfolio risk and learning KPIs and turns them into commands.
- Tasks: scheduled commands, one-shot or cron driven.
- Playbooks: trigger -> steps rules with a cooldown between firings.
- Scaling: drawdown bands that de-risk or kill live trading, and a step-up rule fed by daily KPIs.
- Outbox: every command lands in the commands table as queued; executors (or 'serve' with webhooks) pick them up.
- Event log: admin changes, view with 'governor events'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := buildLogger(viper.GetBool("verbose"))
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
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
	viper.SetEnvPrefix("GOVERNOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded in the event log")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().Int("poll-interval-ms", 0, "override governance.poll_interval_ms")
	rootCmd.PersistentFlags().String("issuer", "", "override governance.issuer")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	for _, name := range []string{"workspace", "json", "actor-id", "verbose", "poll-interval-ms", "issuer", "jwt-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(playbookCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(kpiCmd())
	rootCmd.AddCommand(metricCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(configCmd())
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// openWorkspace opens the workspace and applies environment and flag
// overrides on top of governor.yml.
func openWorkspace(ctx context.Context) (*app.Context, error) {
	a, err := app.Open(ctx, viper.GetString("workspace"), app.Options{Log: logger})
	if err != nil {
		return nil, err
	}
	if ms := viper.GetInt("poll-interval-ms"); ms > 0 {
		a.Config.Governance.PollIntervalMS = ms
	}
	if issuer := strings.TrimSpace(viper.GetString("issuer")); issuer != "" {
		a.Config.Governance.Issuer = issuer
	}
	if err := a.Config.Validate(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
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
