package platform

import (
	"testing"

	"github.com/opsgate/opsgate/api"
)

func TestFromProbe(t *testing.T) {
	tests := []struct {
		output string
		want   api.Platform
	}{
		{"Linux\n", api.PlatformLinux},
		{"Darwin\n", api.PlatformMacOS},
		{"Microsoft Windows [Version 10.0.22631.3155]", api.PlatformWindows},
		{"'uname' is not recognized\nMicrosoft Windows", api.PlatformWindows},
		{"SunOS\n", api.PlatformUnknown},
		{"", api.PlatformUnknown},
	}

	for _, tt := range tests {
		if got := FromProbe(tt.output); got != tt.want {
			t.Errorf("FromProbe(%q) = %s, want %s", tt.output, got, tt.want)
		}
	}
}

func TestForShellDialect(t *testing.T) {
	if got := For(api.PlatformWindows); got.Shell != "cmd.exe" || got.ShellArgs[0] != "/C" {
		t.Errorf("windows dialect = %s %v", got.Shell, got.ShellArgs)
	}
	if got := For(api.PlatformLinux); got.Shell != "/bin/sh" || got.ShellArgs[0] != "-c" {
		t.Errorf("linux dialect = %s %v", got.Shell, got.ShellArgs)
	}
	if For(api.PlatformWindows).LineEnding != "\r\n" {
		t.Error("windows line ending should be CRLF")
	}
}

func TestDetectReturnsKnownPlatform(t *testing.T) {
	info := Detect()
	switch info.Platform {
	case api.PlatformLinux, api.PlatformMacOS, api.PlatformWindows:
	default:
		t.Errorf("Detect returned %s", info.Platform)
	}
	if info.Shell == "" {
		t.Error("Detect returned empty shell")
	}
}
