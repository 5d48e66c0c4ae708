package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var errInvalidFrameHex = errors.New("frame must be hex-encoded bytes")

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <hex-frame>",
		Short: "Enqueue a raw Ethernet frame for transmission to the agent",
		Long:  "Decodes <hex-frame> and hands it to tapbridged for transmission over the agent link.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := hex.DecodeString(strings.TrimSpace(args[0])); err != nil {
				return fmt.Errorf("%w: %v", errInvalidFrameHex, err)
			}

			reply, err := sendCommand(context.Background(), "SEND "+args[0])
			if err != nil {
				return fmt.Errorf("send frame: %w", err)
			}

			fmt.Println(reply)
			return nil
		},
	}
}
