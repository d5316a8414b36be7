package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var departuresCmd = &cobra.Command{
	Use:   "departures <stop_id or group_id>",
	Short: "Lists upcoming departures from a stop or group",
	Args:  cobra.ExactArgs(1),
	RunE:  departures,
}

var (
	window time.Duration
	limit  int
)

func init() {
	departuresCmd.Flags().DurationVarP(&window, "window", "W", 60*time.Minute, "Time window to search for departures")
	departuresCmd.Flags().IntVarP(&limit, "limit", "l", 10, "Limit the number of departures returned")
	rootCmd.AddCommand(departuresCmd)
}

func departures(cmd *cobra.Command, args []string) error {
	m, _, err := loadManager()
	if err != nil {
		return err
	}
	if err := loadSchedule(m, cmd); err != nil {
		return err
	}
	if err := m.RefreshRealtime(cmd.Context()); err != nil {
		fmt.Printf("warning: realtime unavailable: %v\n", err)
	}

	now := time.Now()
	res, err := m.Departures(args[0], now, window, limit)
	if err != nil {
		return err
	}

	if !res.Found {
		return fmt.Errorf("no stop or group '%s'", args[0])
	}

	fmt.Printf("%s\n", res.Name)
	if res.Stale {
		fmt.Println("(realtime data unavailable, showing schedule)")
	}
	for _, dep := range res.Departures {
		live := " "
		if dep.Realtime {
			live = "*"
		}
		fmt.Printf("%s %-8s %-24s %s  in %d min\n",
			live,
			dep.RouteID,
			dep.Headsign,
			dep.Expected.Local().Format("15:04"),
			dep.MinutesUntil(now),
		)
	}

	return nil
}
