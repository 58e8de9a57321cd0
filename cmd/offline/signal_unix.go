//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/forest6511/offline/pkg/ui"
)

// handleInterruption cancels the command on SIGINT or SIGTERM. A second
// signal exits immediately.
func handleInterruption(cancel context.CancelFunc, c *cli) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		if !c.quiet {
			c.printer().PrintMessage(ui.MessageWarning, "Received %s, pausing downloads...", sig)
		}
		cancel()

		<-sigChan
		os.Exit(130) // Standard exit code for SIGINT
	}()
}
