package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/datallboy/nzbstream/internal/app"
	"github.com/datallboy/nzbstream/internal/infra/config"
	"github.com/datallboy/nzbstream/internal/infra/logger"
	"github.com/datallboy/nzbstream/internal/infra/metrics"
	"github.com/datallboy/nzbstream/internal/nntp"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "nzbstream",
		Short:         "Stream media straight out of RAR releases on Usenet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")

	root.AddCommand(serveCmd(), inspectCmd(), catCmd(), configCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildApp loads the config and starts the streaming core. Commands that
// write payload to stdout log to stderr only.
func buildApp(toStderr bool) (*app.Context, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	var log *logger.Logger
	if toStderr {
		log = logger.NewWriter(os.Stderr, logger.ParseLevel(cfg.Log.Level))
	} else {
		log, err = logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
	}

	m := metrics.New()
	a := app.NewContext(cfg, log, m)
	if err := a.StartStreaming(nntp.NewManager(cfg.Servers, cfg.Pool, log, m)); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func servers(cfg *config.Config) string {
	ids := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		ids = append(ids, s.ID)
	}
	return strings.Join(ids, ", ")
}
