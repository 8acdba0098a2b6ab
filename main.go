// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"os"

	"specrec/cmd"
	applog "specrec/internal/log"
	"specrec/pkg/build"
)

// main wires the build information and hands over to the command line.
// PortAudio is initialized by the commands that capture or list devices.
func main() {
	if err := build.Initialize(); err != nil {
		build.Development()
		applog.Debugf("Main: %v, using development build information", err)
	}

	if err := cmd.Execute(context.Background()); err != nil {
		applog.Errorf("Main: %v", err)
		os.Exit(1)
	}
}
