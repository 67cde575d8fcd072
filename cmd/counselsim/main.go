package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/counselsim/internal/profile"
	"github.com/hrygo/counselsim/internal/version"
	"github.com/hrygo/counselsim/server"
	"github.com/hrygo/counselsim/store"
	"github.com/hrygo/counselsim/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "counselsim",
	Short: "Counseling practice server with simulated visitors.",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		setupLogger()
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	viper.SetDefault("mode", "demo")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("addr", "")
	viper.SetDefault("port", 8081)
	viper.SetDefault("log-format", "text")

	flags := rootCmd.PersistentFlags()
	flags.String("mode", "demo", `mode of server, can be "prod" or "dev" or "demo"`)
	flags.String("addr", "", "address of server")
	flags.Int("port", 8081, "port of server")
	flags.String("data", "", "data directory")
	flags.String("driver", "sqlite", "database driver")
	flags.String("dsn", "", "database source name(aka. DSN)")
	flags.String("prompt-dir", "", "directory overriding the embedded prompt templates")
	flags.String("log-format", "text", `log format, "text" or "json"`)

	for _, name := range []string{"mode", "addr", "port", "data", "driver", "dsn", "prompt-dir", "log-format"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("counselsim")
	viper.AutomaticEnv()
	if err := viper.BindEnv("prompt-dir", "COUNSELSIM_PROMPT_DIR"); err != nil {
		panic(err)
	}
	if err := viper.BindEnv("log-format", "COUNSELSIM_LOG_FORMAT"); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, finalizeCmd, prepareCmd, ensureOutputsCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func setupLogger() {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if viper.GetString("mode") == "dev" {
		opts.Level = slog.LevelDebug
	}
	var handler slog.Handler
	if viper.GetString("log-format") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadProfile builds the profile from flags, the environment and an optional .env file.
func loadProfile() (*profile.Profile, error) {
	instanceProfile := &profile.Profile{
		Mode:      viper.GetString("mode"),
		Addr:      viper.GetString("addr"),
		Port:      viper.GetInt("port"),
		Data:      viper.GetString("data"),
		Driver:    viper.GetString("driver"),
		DSN:       viper.GetString("dsn"),
		PromptDir: viper.GetString("prompt-dir"),
	}
	instanceProfile.Version = version.GetCurrentVersion(instanceProfile.Mode)
	instanceProfile.FromEnv()
	if err := instanceProfile.Validate(); err != nil {
		return nil, err
	}
	return instanceProfile, nil
}

// openStore connects to the configured database and brings its schema up to date.
func openStore(ctx context.Context, instanceProfile *profile.Profile) (*store.Store, error) {
	dbDriver, err := db.NewDBDriver(instanceProfile)
	if err != nil {
		return nil, err
	}
	storeInstance := store.New(dbDriver, instanceProfile)
	if err := storeInstance.Migrate(ctx); err != nil {
		_ = storeInstance.Close()
		return nil, err
	}
	return storeInstance, nil
}

func runServe(ctx context.Context) error {
	instanceProfile, err := loadProfile()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	storeInstance, err := openStore(ctx, instanceProfile)
	if err != nil {
		return err
	}

	s, err := server.NewServer(ctx, instanceProfile, storeInstance)
	if err != nil {
		_ = storeInstance.Close()
		return err
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	if err := s.Start(ctx); err != nil {
		s.Shutdown(context.Background())
		return err
	}

	printGreetings(instanceProfile)

	<-c
	cancel()
	s.Shutdown(context.Background())
	return nil
}

func printGreetings(p *profile.Profile) {
	slog.Info("counselsim started",
		slog.String("version", p.Version),
		slog.String("mode", p.Mode),
		slog.String("driver", p.Driver),
		slog.String("llm_provider", p.AILLMProvider),
		slog.String("llm_model", p.AILLMModel),
		slog.Int("llm_keys", len(p.AILLMAPIKeys)),
	)
	if p.Addr == "" {
		fmt.Printf("Server running on port %d\n", p.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", p.Addr, p.Port)
	}
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
