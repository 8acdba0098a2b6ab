// SPDX-License-Identifier: MIT
package build

import (
	"os"
	"runtime/debug"
	"testing"
)

var (
	origName    string
	origTime    string
	origCommit  string
	origVersion string
	origFlags   Info
)

func TestMain(m *testing.M) {
	origName = buildName
	origTime = buildTime
	origCommit = buildCommit
	origVersion = buildVersion
	origFlags = *buildInfo

	exitCode := m.Run()

	buildName = origName
	buildTime = origTime
	buildCommit = origCommit
	buildVersion = origVersion
	*buildInfo = origFlags

	os.Exit(exitCode)
}

func TestInitialize(t *testing.T) {
	tests := []struct {
		name        string
		buildName   string
		buildTime   string
		buildCommit string
		buildVer    string
		wantErrMsg  string
	}{
		{
			"Missing BuildName",
			"",
			"2025-04-13",
			"abcdef123",
			"v1.0.0",
			"BuildName is required",
		},
		{
			"Missing BuildTime",
			"testapp",
			"",
			"abcdef123",
			"v1.0.0",
			"BuildTime is required",
		},
		{
			"Missing BuildCommit",
			"testapp",
			"2025-04-13",
			"",
			"v1.0.0",
			"BuildCommit is required",
		},
		{
			"Missing BuildVersion",
			"testapp",
			"2025-04-13",
			"abcdef123",
			"",
			"BuildVersion is required",
		},
		{
			"Success Case",
			"testapp",
			"2025-04-13",
			"abcdef123",
			"v1.0.0",
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*buildInfo = Info{
				Name:    "unknown",
				Time:    "unknown",
				Commit:  "unknown",
				Version: "unknown",
			}

			buildName = tt.buildName
			buildTime = tt.buildTime
			buildCommit = tt.buildCommit
			buildVersion = tt.buildVer

			err := Initialize()

			if tt.wantErrMsg != "" {
				if err == nil {
					t.Errorf("Initialize() expected error, got nil")
					return
				}
				if err.Error() != tt.wantErrMsg {
					t.Errorf("Initialize() error = %v, want %v", err, tt.wantErrMsg)
					return
				}
				return
			}

			if err != nil {
				t.Errorf("Initialize() unexpected error: %v", err)
				return
			}

			if buildInfo.Name != tt.buildName {
				t.Errorf("buildInfo.Name = %v, want %v", buildInfo.Name, tt.buildName)
			}
			if buildInfo.Time != tt.buildTime {
				t.Errorf("buildInfo.Time = %v, want %v", buildInfo.Time, tt.buildTime)
			}
			if buildInfo.Commit != tt.buildCommit {
				t.Errorf("buildInfo.Commit = %v, want %v", buildInfo.Commit, tt.buildCommit)
			}
			if buildInfo.Version != tt.buildVer {
				t.Errorf("buildInfo.Version = %v, want %v", buildInfo.Version, tt.buildVer)
			}
		})
	}
}

func TestGetBuildFlags(t *testing.T) {
	expected := Info{
		Name:    "testapp",
		Time:    "2025-04-13",
		Commit:  "abcdef123",
		Version: "v1.0.0",
	}
	*buildInfo = expected

	flags := GetBuildFlags()

	if flags.Name != expected.Name ||
		flags.Time != expected.Time ||
		flags.Commit != expected.Commit ||
		flags.Version != expected.Version {
		t.Errorf("GetBuildFlags() = %+v, want %+v", flags, expected)
	}
}

func TestDevelopment(t *testing.T) {
	orig := readBuildInfo
	t.Cleanup(func() { readBuildInfo = orig })

	tests := []struct {
		name string
		bi   *debug.BuildInfo
		ok   bool
		want Info
	}{
		{
			"No build info",
			nil, false,
			Info{Name: DefaultName, Time: "unknown", Commit: "unknown", Version: "devel"},
		},
		{
			"VCS stamped",
			&debug.BuildInfo{
				Main: debug.Module{Version: "(devel)"},
				Settings: []debug.BuildSetting{
					{Key: "vcs.revision", Value: "0123456789abcdef"},
					{Key: "vcs.time", Value: "2025-04-13T10:00:00Z"},
				},
			},
			true,
			Info{Name: DefaultName, Time: "2025-04-13T10:00:00Z", Commit: "0123456", Version: "devel"},
		},
		{
			"Module version",
			&debug.BuildInfo{Main: debug.Module{Version: "v0.2.0"}},
			true,
			Info{Name: DefaultName, Time: "unknown", Commit: "unknown", Version: "v0.2.0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*buildInfo = Info{Name: "unknown", Time: "unknown", Commit: "unknown", Version: "unknown"}
			readBuildInfo = func() (*debug.BuildInfo, bool) { return tt.bi, tt.ok }

			Development()

			if got := *GetBuildFlags(); got != tt.want {
				t.Errorf("Development() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestInfoString(t *testing.T) {
	i := Info{Name: "specrec", Time: "2025-04-13", Commit: "abcdef1", Version: "v1.0.0"}
	if got, want := i.String(), "v1.0.0 (commit abcdef1, built 2025-04-13)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
