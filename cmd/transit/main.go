package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/boardpi/transit"
	"github.com/boardpi/transit/config"
	"github.com/boardpi/transit/dedup"
	"github.com/boardpi/transit/metrics"
	"github.com/boardpi/transit/storage"
)

var rootCmd = &cobra.Command{
	Use:          "transit",
	Short:        "Transit departure engine",
	Long:         "Imports GTFS schedules and serves departure boards",
	SilenceUsage: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "Path to config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadManager() (*transit.Manager, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(cfg.StorageDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating storage dir: %w", err)
	}

	s, err := storage.NewSQLiteStorage(storage.SQLiteConfig{
		OnDisk:    true,
		Directory: cfg.StorageDir,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}

	m := transit.NewManager(s)
	m.StaticURL = cfg.Feed.StaticURL
	m.RealtimeURLs = cfg.Feed.RealtimeURLs
	m.StaticRefreshInterval = time.Duration(cfg.Refresh.StaticInterval)
	m.RealtimeRefreshInterval = time.Duration(cfg.Refresh.RealtimeInterval)
	m.RealtimeStaleAfter = time.Duration(cfg.Refresh.RealtimeStale)
	m.Detector = dedup.Options{
		MaxDistanceMeters: cfg.Detector.MaxDistanceMeters,
		MinNameSimilarity: cfg.Detector.MinNameSimilarity,
	}
	if cfg.MetricsAddr != "" {
		m.Metrics = metrics.NewCollector()
	}

	return m, cfg, nil
}

// Publishes a schedule from storage, importing the feed first when
// storage is empty.
func loadSchedule(m *transit.Manager, cmd *cobra.Command) error {
	err := m.Restore(time.Now())
	if err == nil {
		return nil
	}
	if err != transit.ErrNoSchedule {
		return err
	}
	return m.ReloadStatic(cmd.Context(), false)
}
