package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Prints the current status of a submitted task",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newClients()
	if err != nil {
		return err
	}
	defer c.Close()

	t, err := c.orchestrator.Get(args[0])
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))
	return nil
}
