// SPDX-License-Identifier: MIT
//
// Package build carries the name, build time, commit and version linked into
// the binary:
//
//	go build -ldflags "-X specrec/pkg/build.buildName=specrec \
//	  -X specrec/pkg/build.buildTime=$(date -u +%FT%TZ) \
//	  -X specrec/pkg/build.buildCommit=$(git rev-parse --short HEAD) \
//	  -X specrec/pkg/build.buildVersion=0.1.0"
package build

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// DefaultName is used when the binary was built without ldflags.
const DefaultName = "specrec"

// Description is the one-line summary shown by the CLI.
const Description = "Record audio spectra into per-channel files"

// Info is the build information of the running binary.
type Info struct {
	Name    string
	Time    string
	Commit  string
	Version string
}

// String formats the version line printed by --version.
func (i Info) String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", i.Version, i.Commit, i.Time)
}

// Set by -ldflags.
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	buildInfo    = &Info{
		Name:    "unknown",
		Time:    "unknown",
		Commit:  "unknown",
		Version: "unknown",
	}
)

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// Initialize validates and copies the ldflags variables. It returns an error
// if any of them is missing.
func Initialize() error {
	if buildName == "" {
		return errors.New("BuildName is required")
	}
	if buildTime == "" {
		return errors.New("BuildTime is required")
	}
	if buildCommit == "" {
		return errors.New("BuildCommit is required")
	}
	if buildVersion == "" {
		return errors.New("BuildVersion is required")
	}

	buildInfo.Name = buildName
	buildInfo.Time = buildTime
	buildInfo.Commit = buildCommit
	buildInfo.Version = buildVersion

	return nil
}

// Development fills the build information of a binary built without
// ldflags from the module and VCS data the Go toolchain embeds.
func Development() {
	buildInfo.Name = DefaultName
	buildInfo.Version = "devel"

	bi, ok := readBuildInfo()
	if !ok {
		return
	}
	if v := bi.Main.Version; v != "" && v != "(devel)" {
		buildInfo.Version = v
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 7 {
				s.Value = s.Value[:7]
			}
			buildInfo.Commit = s.Value
		case "vcs.time":
			buildInfo.Time = s.Value
		}
	}
}

// GetBuildFlags returns the current build information.
func GetBuildFlags() *Info {
	return buildInfo
}
