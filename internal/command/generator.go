// Package command renders an Intent plus a target Platform into a concrete
// command string using per-action, per-platform templates. The action set is
// a closed enum; generation rejects anything outside it, and every rendered
// command still passes through the validator before it can run.
package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/opsgate/opsgate/api"
	"github.com/opsgate/opsgate/internal/validate"
)

// template holds the per-platform command shapes for one action. An empty
// string marks the action unsupported on that platform.
type template struct {
	linux   string
	macos   string
	windows string

	longRunning    bool
	causesDowntime bool

	// params that must be present (after defaults are applied)
	required []string
}

// paramRe is the only shape a substituted parameter may take. Shell
// metacharacters never reach the rendered command.
var paramRe = regexp.MustCompile(`^[a-zA-Z0-9_.@/-]+$`)

var templates = map[api.Action]template{
	api.ActionStatus: {
		linux:   "uptime && df -h && free -m",
		macos:   "uptime && df -h && vm_stat",
		windows: "systeminfo",
	},
	api.ActionDiskSpace: {
		linux:   "df -h",
		macos:   "df -h",
		windows: "wmic logicaldisk get caption,freespace,size",
	},
	api.ActionMemory: {
		linux:   "free -m",
		macos:   "vm_stat",
		windows: "wmic os get freephysicalmemory,totalvisiblememorysize",
	},
	api.ActionUptime: {
		linux:   "uptime",
		macos:   "uptime",
		windows: "net statistics workstation",
	},
	api.ActionProcesses: {
		linux:   "ps aux | head -n {lines}",
		macos:   "ps aux | head -n {lines}",
		windows: "tasklist",
	},
	api.ActionServiceStatus: {
		linux:    "systemctl status {service} --no-pager",
		macos:    "launchctl print system/{service}",
		windows:  `sc query "{service}"`,
		required: []string{"service"},
	},
	api.ActionTailLogs: {
		linux:    "journalctl -u {service} -n {lines} --no-pager",
		macos:    `log show --predicate 'process == "{service}"' --last {lines}m`,
		windows:  "wevtutil qe System /c:{lines} /rd:true /f:text",
		required: []string{"service"},
	},
	api.ActionRestartService: {
		linux:    "sudo systemctl restart {service}",
		macos:    "sudo launchctl kickstart -k system/{service}",
		windows:  `sc stop "{service}" && sc start "{service}"`,
		required: []string{"service"},
	},
	api.ActionStartService: {
		linux:    "sudo systemctl start {service}",
		macos:    "sudo launchctl bootstrap system /Library/LaunchDaemons/{service}.plist",
		windows:  `sc start "{service}"`,
		required: []string{"service"},
	},
	api.ActionStopService: {
		linux:          "sudo systemctl stop {service}",
		macos:          "sudo launchctl bootout system/{service}",
		windows:        `sc stop "{service}"`,
		causesDowntime: true,
		required:       []string{"service"},
	},
	api.ActionDeploy: {
		linux:       "cd /opt/{app} && git pull --ff-only && ./deploy.sh",
		macos:       "cd /opt/{app} && git pull --ff-only && ./deploy.sh",
		longRunning: true,
		required:    []string{"app"},
	},
	api.ActionReboot: {
		linux:          "sudo shutdown -r {delay}",
		macos:          "sudo shutdown -r {delay}",
		windows:        "shutdown /r /t {delay_seconds}",
		causesDowntime: true,
	},
	api.ActionShutdown: {
		linux:          "sudo shutdown -h {delay}",
		macos:          "sudo shutdown -h {delay}",
		windows:        "shutdown /s /t {delay_seconds}",
		causesDowntime: true,
	},
}

// Generate renders the command for an intent on the given platform.
func Generate(in api.Intent, p api.Platform) (api.Command, error) {
	tpl, ok := templates[in.Action]
	if !ok {
		return api.Command{}, fmt.Errorf("unsupported action %q", in.Action)
	}

	text := tpl.forPlatform(p)
	if text == "" {
		return api.Command{}, fmt.Errorf("action %q is not supported on %s", in.Action, p)
	}

	params, err := buildParams(in, p)
	if err != nil {
		return api.Command{}, err
	}
	for _, name := range tpl.required {
		if params[name] == "" {
			return api.Command{}, fmt.Errorf("action %q requires parameter %q", in.Action, name)
		}
	}

	rendered, err := substitute(text, params)
	if err != nil {
		return api.Command{}, err
	}

	tier, err := validate.TierFor(in.Action)
	if err != nil {
		return api.Command{}, err
	}

	return api.Command{
		Text:                  rendered,
		Action:                in.Action,
		Platform:              p,
		RequiresApproval:      tier != api.TierNone,
		RequiresDoubleConfirm: tier == api.TierDouble,
		CausesDowntime:        tpl.causesDowntime,
		LongRunning:           tpl.longRunning,
	}, nil
}

func (t template) forPlatform(p api.Platform) string {
	switch p {
	case api.PlatformLinux:
		return t.linux
	case api.PlatformMacOS:
		return t.macos
	case api.PlatformWindows:
		return t.windows
	default:
		return ""
	}
}

// buildParams copies the intent parameters, applies defaults and validates
// every value against paramRe.
func buildParams(in api.Intent, p api.Platform) (map[string]string, error) {
	params := make(map[string]string, len(in.Parameters)+2)
	for k, v := range in.Parameters {
		if !paramRe.MatchString(v) {
			return nil, fmt.Errorf("parameter %q has unsafe value %q", k, v)
		}
		params[k] = v
	}

	if params["lines"] == "" {
		params["lines"] = "100"
	}
	if _, err := strconv.Atoi(params["lines"]); err != nil {
		return nil, fmt.Errorf("parameter \"lines\" must be numeric, got %q", params["lines"])
	}

	if in.Action == api.ActionReboot || in.Action == api.ActionShutdown {
		if err := applyDelay(params, p); err != nil {
			return nil, err
		}
	}
	return params, nil
}

// applyDelay translates the minutes-based delay parameter into each
// platform's shutdown syntax: +N/now for unix, seconds for Windows.
func applyDelay(params map[string]string, p api.Platform) error {
	delay := 0
	if raw := params["delay"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 1440 {
			return fmt.Errorf("parameter \"delay\" must be 0-1440 minutes, got %q", raw)
		}
		delay = n
	}

	if p == api.PlatformWindows {
		params["delay_seconds"] = strconv.Itoa(delay * 60)
		return nil
	}
	if delay == 0 {
		params["delay"] = "now"
	} else {
		params["delay"] = "+" + strconv.Itoa(delay)
	}
	return nil
}

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

func substitute(text string, params map[string]string) (string, error) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		name := strings.Trim(m, "{}")
		v, ok := params[name]
		if !ok || v == "" {
			missing = name
			return m
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("missing parameter %q", missing)
	}
	return out, nil
}
