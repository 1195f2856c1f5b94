// Build information is injected with -ldflags at link time, e.g.
//
//	go build -ldflags "-X github.com/nobletooth/levelbag/pkg/utils.Version=v0.3.1 \
//	  -X github.com/nobletooth/levelbag/pkg/utils.Commit=$(git rev-parse HEAD)"
//
// CAUTION: TestMode is read in init(); invariants only panic when it is set at link time.

package utils

import (
	"log/slog"
	"strconv"
	"time"
)

const unknownBuildValue = "unknown"

var (
	TestMode   string // "true" on test builds; makes invariant violations panic.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
)

func init() {
	StartTime = time.Now()
	for _, value := range []*string{&Version, &Commit, &BuildTime} {
		if *value == "" {
			*value = unknownBuildValue
		}
	}
	if TestMode == "" {
		return
	}
	isTestMode, err := strconv.ParseBool(TestMode)
	if err != nil {
		slog.Warn("Failed to parse TestMode build flag, defaulting to false.", "testMode", TestMode, "error", err)
		return
	}
	IsTestMode = isTestMode
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(StartTime)
}
