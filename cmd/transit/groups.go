package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Lists stop groups",
	Args:  cobra.NoArgs,
	RunE:  listGroups,
}

var manageCmd = &cobra.Command{
	Use:   "manage <group|add|remove> <stop_id>... ",
	Short: "Manages stop groups",
	Long: `Manages stop groups.

  manage group -g <name> <stop_id>...   create or replace a pinned group
  manage add -g <name> <stop_id>...     add stops to a pinned group
  manage remove <stop_id>...            remove stops from their groups`,
	Args: cobra.MinimumNArgs(2),
	RunE: manageStops,
}

var manageGroupName string

func init() {
	manageCmd.Flags().StringVarP(&manageGroupName, "group", "g", "", "Group name")
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(manageCmd)
}

func listGroups(cmd *cobra.Command, args []string) error {
	m, _, err := loadManager()
	if err != nil {
		return err
	}
	if err := loadSchedule(m, cmd); err != nil {
		return err
	}

	for _, group := range m.StopGroups() {
		pinned := ""
		if group.Pinned {
			pinned = " (pinned)"
		}
		fmt.Printf("%s%s: %s\n", group.Name, pinned, strings.Join(group.StopIDs, ", "))
	}

	return nil
}

func manageStops(cmd *cobra.Command, args []string) error {
	m, _, err := loadManager()
	if err != nil {
		return err
	}
	if err := loadSchedule(m, cmd); err != nil {
		return err
	}

	return m.ManageStops(args[0], args[1:], manageGroupName)
}
