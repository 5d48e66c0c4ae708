package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current agent link status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			reply, err := sendCommand(context.Background(), "STATUS")
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}

			fmt.Println(reply)
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Request a cooperative shutdown of the agent link",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			reply, err := sendCommand(context.Background(), "STOP")
			if err != nil {
				return fmt.Errorf("stop link: %w", err)
			}

			fmt.Println(reply)
			return nil
		},
	}
}
