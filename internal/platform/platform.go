// Package platform identifies the OS family of local and remote command
// targets and supplies the shell dialect used to run commands on them.
package platform

import (
	"runtime"
	"strings"

	"github.com/opsgate/opsgate/api"
)

// Info describes how commands are expressed on a platform.
type Info struct {
	Platform      api.Platform
	Shell         string   // shell binary for local execution
	ShellArgs     []string // args preceding the command string
	PathSeparator string
	LineEnding    string
}

// Detect returns platform info for the local host.
func Detect() Info {
	switch runtime.GOOS {
	case "windows":
		return infoFor(api.PlatformWindows)
	case "darwin":
		return infoFor(api.PlatformMacOS)
	default:
		return infoFor(api.PlatformLinux)
	}
}

// For returns platform info for a known platform.
func For(p api.Platform) Info {
	return infoFor(p)
}

func infoFor(p api.Platform) Info {
	switch p {
	case api.PlatformWindows:
		return Info{
			Platform:      api.PlatformWindows,
			Shell:         "cmd.exe",
			ShellArgs:     []string{"/C"},
			PathSeparator: "\\",
			LineEnding:    "\r\n",
		}
	case api.PlatformMacOS:
		return Info{
			Platform:      api.PlatformMacOS,
			Shell:         "/bin/zsh",
			ShellArgs:     []string{"-c"},
			PathSeparator: "/",
			LineEnding:    "\n",
		}
	default:
		return Info{
			Platform:      api.PlatformLinux,
			Shell:         "/bin/sh",
			ShellArgs:     []string{"-c"},
			PathSeparator: "/",
			LineEnding:    "\n",
		}
	}
}

// ProbeCommand returns the command used to identify a remote host's OS.
// `uname -s` prints the kernel name on unix; cmd.exe's `ver` answers on
// Windows where uname does not exist.
const ProbeCommand = "uname -s || ver"

// FromProbe classifies a remote host from probe output.
func FromProbe(output string) api.Platform {
	out := strings.ToLower(strings.TrimSpace(output))
	switch {
	case strings.Contains(out, "linux"):
		return api.PlatformLinux
	case strings.Contains(out, "darwin"):
		return api.PlatformMacOS
	case strings.Contains(out, "windows"), strings.Contains(out, "microsoft"):
		return api.PlatformWindows
	default:
		return api.PlatformUnknown
	}
}
