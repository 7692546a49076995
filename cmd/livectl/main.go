package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile    string
	verbose    bool
	baseURL    string
	token      string
	timeout    time.Duration
	retryCount int
	logger     *zap.Logger
)

func setupLogger(verbose bool) (*zap.Logger, error) {
	var zapConfig zap.Config
	if verbose {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.DisableStacktrace = true
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	// Keep stdout for command output.
	zapConfig.OutputPaths = []string{"stderr"}

	return zapConfig.Build()
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "livectl",
		Short:        "Tail and write to a forumlive server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = setupLogger(verbose)
			return err
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("FORUMLIVE_CONFIG"), "server config file, used by token (or set FORUMLIVE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", envOr("FORUMLIVE_URL", "http://localhost:8080"), "server base URL (or set FORUMLIVE_URL)")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("FORUMLIVE_TOKEN"), "bearer token (or set FORUMLIVE_TOKEN)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 6*time.Minute, "HTTP timeout, longer than the server listen timeout")
	rootCmd.PersistentFlags().IntVar(&retryCount, "retries", 3, "retries for failed reads")

	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(postCmd())
	rootCmd.AddCommand(lastIDCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(tokenCmd())

	// Setup signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
