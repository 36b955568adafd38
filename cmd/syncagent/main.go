// Command syncagent runs the active workout session sync agent and operates on its offline queue.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"example.com/sessionsync/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()
	var configPath string

	root := &cobra.Command{
		Use:          "syncagent",
		Short:        "Keep the active workout session in sync across devices",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return nil
			}
			loaded, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			keepFlags(cmd, &loaded, &cfg)
			cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML file with configuration keys; environment variables win")
	root.PersistentFlags().StringVar(&cfg.QueuePath, "queue", cfg.QueuePath, "Path of the offline queue database")
	root.PersistentFlags().StringVar(&cfg.PostgresURL, "postgres-url", cfg.PostgresURL, "Postgres connection string")

	root.AddCommand(newServeCmd(&cfg), newQueueCmd(&cfg))
	return root
}

// keepFlags copies values set on the command line over a freshly loaded config.
func keepFlags(cmd *cobra.Command, dst, flagged *config.Config) {
	flags := cmd.Flags()
	for name, field := range map[string]func(*config.Config) *string{
		"queue":        func(c *config.Config) *string { return &c.QueuePath },
		"postgres-url": func(c *config.Config) *string { return &c.PostgresURL },
		"addr":         func(c *config.Config) *string { return &c.HTTPAddress },
		"realtime":     func(c *config.Config) *string { return &c.RealtimeBackend },
		"cache-dir":    func(c *config.Config) *string { return &c.CacheDir },
	} {
		if flags.Changed(name) {
			*field(dst) = *field(flagged)
		}
	}
}

func newLogger(component string) *log.Logger {
	return log.New(os.Stderr, "["+component+"] ", log.LstdFlags|log.Lmsgprefix)
}
