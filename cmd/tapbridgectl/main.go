// tapbridgectl is the CLI client for tapbridged, talking to its control
// socket to send frames and inspect link status.
package main

import "github.com/lpnet/tapbridge/cmd/tapbridgectl/commands"

func main() {
	commands.Execute()
}
