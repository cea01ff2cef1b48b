package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/config"
	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/logging"
)

var (
	flagConfig string
	flagDB     string
	flagServer string
)

var rootCmd = &cobra.Command{
	Use:   "memgraph",
	Short: "Temporal memory graph for activity streams",
	Long: "memgraph turns a stream of activity events into a graph of scored nodes, " +
		"clusters them in time, links them by similarity and answers natural-language queries.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Database path (overrides database.path)")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "Server URL for remote commands (default $MEMGRAPH_URL)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)

	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(recommendCmd)
	rootCmd.AddCommand(interactCmd)
	rootCmd.AddCommand(contextCmd)
}

// loadConfig resolves the effective config from --config, MEMGRAPH_* env
// and --db.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.Database.Path = flagDB
	}
	return cfg, nil
}

// newLogger builds the process logger. One-shot commands only log
// warnings so their stdout stays readable.
func newLogger(cfg *config.Config, quiet bool) (*zap.Logger, error) {
	level := cfg.Log.Level
	if quiet && (level == "debug" || level == "info") {
		level = "warn"
	}
	return logging.New(logging.Options{Level: level, Format: cfg.Log.Format})
}

// openGraph opens the local graph for one-shot commands. The returned
// close func waits for background clustering before closing the store.
func openGraph(cmd *cobra.Command) (*engine.MemoryGraph, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg, true)
	if err != nil {
		return nil, nil, err
	}
	g, err := engine.New(*cfg, engine.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	if err := g.Initialize(cmd.Context()); err != nil {
		return nil, nil, fmt.Errorf("open graph: %w", err)
	}
	return g, func() {
		g.WaitForBackground(cmd.Context())
		g.Close()
		log.Sync()
	}, nil
}

// readEvents decodes a bare JSON array of events or {"events": [...]}
// from path, or stdin when path is "-".
func readEvents(cmd *cobra.Command, path string) ([]engine.BaseEvent, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var events []engine.BaseEvent
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		return events, nil
	}
	var wrapped struct {
		Events []engine.BaseEvent `json:"events"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return wrapped.Events, nil
}
