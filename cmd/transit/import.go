package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boardpi/transit/model"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Imports the static schedule feed",
	Args:  cobra.NoArgs,
	RunE:  runImport,
}

var importForce bool

func init() {
	importCmd.Flags().BoolVarP(&importForce, "force", "f", false, "Re-import even if the feed is unchanged")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	m, _, err := loadManager()
	if err != nil {
		return err
	}
	if err := m.ReloadStatic(cmd.Context(), importForce); err != nil {
		return err
	}

	// A 304 from the feed server publishes nothing.
	s := m.Schedule()
	if s == nil {
		fmt.Println("feed not modified")
		return nil
	}

	gen := s.Generation
	fmt.Printf("generation %.8s: calendar %s to %s, latest departure %s\n",
		gen.Hash,
		gen.CalendarStartDate,
		gen.CalendarEndDate,
		model.FormatSeconds(gen.MaxDepartureSec),
	)

	return nil
}
