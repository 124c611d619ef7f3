// Package main is the comet server entrypoint binary: it hosts the bridge
// registry agents dial into, the leader-election loop, and the
// console-facing HTTP surface.
//
// It intentionally delegates startup to the internal app package to keep
// main small, testable, and lint-friendly.
package main

import (
	"log/slog"
	"os"

	"github.com/jiawesoft/jiascheduler/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		slog.Error("comet.exit", "err", err)
		os.Exit(1)
	}
}
