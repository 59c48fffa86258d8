package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/i5heu/forkdb"
	"github.com/i5heu/forkdb/internal/config"
)

var (
	configPath string
	dataDir    string
	logLevel   string

	conf config.Config
	log  = logrus.New()

	rootCmd = &cobra.Command{
		Use:   "forkdb",
		Short: "Content-addressed, fork-aware document store",
		Long: `forkdb stores immutable commits keyed by the hash of their content,
groups them under document keys and replicates them between stores.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			conf, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if dataDir != "" {
				conf.DataDir = dataDir
			}
			if logLevel != "" {
				conf.LogLevel = logLevel
			}
			level, err := conf.Level()
			if err != nil {
				return err
			}
			log.SetOutput(os.Stderr)
			log.SetLevel(level)
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./"+config.DefaultFile+" if present)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data", "d", "", "data directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// withDB opens the store for the duration of fn.
func withDB(ctx context.Context, fn func(db *forkdb.ForkDB) error) (err error) {
	db, err := forkdb.New(forkdb.Config{
		Paths:         []string{conf.DataDir},
		MinimumFreeGB: conf.MinimumFreeGB,
		SyncWrites:    conf.SyncWrites,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	if err := db.Start(ctx); err != nil {
		return fmt.Errorf("open %s: %w", conf.DataDir, err)
	}
	defer func() {
		if cerr := db.Close(context.Background()); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(db)
}
