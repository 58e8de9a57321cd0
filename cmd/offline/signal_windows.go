//go:build windows

package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/forest6511/offline/pkg/ui"
)

// handleInterruption cancels the command on Ctrl+C. A second Ctrl+C exits
// immediately.
func handleInterruption(cancel context.CancelFunc, c *cli) {
	sigChan := make(chan os.Signal, 2)
	// Windows only supports SIGINT (Ctrl+C)
	signal.Notify(sigChan, os.Interrupt)

	go func() {
		sig := <-sigChan
		if !c.quiet {
			c.printer().PrintMessage(ui.MessageWarning, "Received %s, pausing downloads...", sig)
		}
		cancel()

		<-sigChan
		os.Exit(1)
	}()
}
