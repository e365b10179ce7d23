package validate

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/opsgate/opsgate/api"
)

// DenyRule is a dangerous-command pattern. A match rejects the command
// unconditionally, regardless of any allow rule.
type DenyRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Message string `yaml:"message"`
}

// AllowRule is a known-safe command shape for one supported action.
type AllowRule struct {
	Name    string     `yaml:"name"`
	Action  api.Action `yaml:"action"`
	Pattern string     `yaml:"pattern"`
}

// RuleSet is the top-level YAML rule file schema.
type RuleSet struct {
	Version int         `yaml:"version"`
	Deny    []DenyRule  `yaml:"deny"`
	Allow   []AllowRule `yaml:"allow"`
}

// LoadRules reads and validates a YAML rule file. Deny and allow sections
// each extend the built-in defaults rather than replacing them, so an
// operator rule file can never accidentally drop the default deny list.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	return LoadRulesBytes(data)
}

// LoadRulesBytes parses and validates YAML rule data.
func LoadRulesBytes(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing rule YAML: %w", err)
	}
	if rs.Version != 1 {
		return nil, fmt.Errorf("unsupported rule file version: %d (expected 1)", rs.Version)
	}
	for i, r := range rs.Deny {
		if r.Name == "" {
			return nil, fmt.Errorf("deny rule %d: name is required", i)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return nil, fmt.Errorf("deny rule %q: invalid pattern: %w", r.Name, err)
		}
	}
	for i, r := range rs.Allow {
		if r.Name == "" {
			return nil, fmt.Errorf("allow rule %d: name is required", i)
		}
		if _, err := TierFor(r.Action); err != nil {
			return nil, fmt.Errorf("allow rule %q: %w", r.Name, err)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return nil, fmt.Errorf("allow rule %q: invalid pattern: %w", r.Name, err)
		}
	}

	defaults := DefaultRules()
	rs.Deny = append(defaults.Deny, rs.Deny...)
	rs.Allow = append(defaults.Allow, rs.Allow...)
	return &rs, nil
}

// tierTable is the static action→tier classification. Read-only lookups get
// no confirmation, restarts and deploys one, downtime-causing actions two.
var tierTable = map[api.Action]api.Tier{
	api.ActionStatus:         api.TierNone,
	api.ActionDiskSpace:      api.TierNone,
	api.ActionMemory:         api.TierNone,
	api.ActionUptime:         api.TierNone,
	api.ActionProcesses:      api.TierNone,
	api.ActionServiceStatus:  api.TierNone,
	api.ActionTailLogs:       api.TierNone,
	api.ActionRestartService: api.TierSingle,
	api.ActionStartService:   api.TierSingle,
	api.ActionDeploy:         api.TierSingle,
	api.ActionStopService:    api.TierDouble,
	api.ActionReboot:         api.TierDouble,
	api.ActionShutdown:       api.TierDouble,
}

// TierFor returns the confirmation tier for an action, or an error for
// anything outside the supported enum.
func TierFor(action api.Action) (api.Tier, error) {
	tier, ok := tierTable[action]
	if !ok {
		return "", fmt.Errorf("unsupported action %q", action)
	}
	return tier, nil
}

// DefaultRules returns the built-in deny and allow lists. The allow list
// mirrors the generator's command templates exactly; anything else is
// rejected as not allow-listed.
func DefaultRules() *RuleSet {
	return &RuleSet{
		Version: 1,
		Deny: []DenyRule{
			{Name: "recursive_root_delete", Pattern: `rm\s+(-[a-zA-Z]*\s+)*-?[a-zA-Z]*[rf][a-zA-Z]*\s+(/|/\*|~|\$HOME)(\s|$)`, Message: "recursive delete of a root path"},
			{Name: "fork_bomb", Pattern: `:\(\)\s*\{\s*:\|:&\s*\}\s*;?\s*:`, Message: "fork bomb"},
			{Name: "disk_wipe_dd", Pattern: `dd\s+.*of=/dev/(sd|hd|nvme|disk)`, Message: "raw write to a block device"},
			{Name: "mkfs", Pattern: `mkfs(\.[a-z0-9]+)?\s`, Message: "filesystem format"},
			{Name: "shred_device", Pattern: `shred\s+.*/dev/`, Message: "shred of a block device"},
			{Name: "overwrite_device", Pattern: `>\s*/dev/(sd|hd|nvme|disk)`, Message: "redirect onto a block device"},
			{Name: "world_writable_root", Pattern: `chmod\s+(-[a-zA-Z]+\s+)*777\s+/(\s|$)`, Message: "world-writable root filesystem"},
			{Name: "chown_root_fs", Pattern: `chown\s+(-[a-zA-Z]+\s+)*.*\s+/(\s|$)`, Message: "ownership change of the root filesystem"},
			{Name: "pipe_to_shell", Pattern: `(curl|wget)\s[^|;]*\|\s*(sudo\s+)?(ba|z|da)?sh`, Message: "piping a download into a shell"},
			{Name: "priv_escalation_shell", Pattern: `sudo\s+(su|-s|-i|bash|sh|zsh)(\s|$)`, Message: "privilege-escalation shell"},
			{Name: "history_wipe", Pattern: `history\s+-c|rm\s+.*\.bash_history`, Message: "shell history wipe"},
			{Name: "windows_format", Pattern: `(?i)format\s+[a-z]:\s`, Message: "drive format"},
			{Name: "windows_recursive_delete", Pattern: `(?i)(del|rmdir|rd)\s+/s\s+/q\s+[a-z]:\\(\s|$)`, Message: "recursive delete of a drive root"},
			{Name: "registry_delete", Pattern: `(?i)reg\s+delete\s+HKLM`, Message: "machine registry delete"},
		},
		Allow: defaultAllowRules(),
	}
}

func defaultAllowRules() []AllowRule {
	// name syntax matches the generator's parameter validation
	const name = `[a-zA-Z0-9_.@-]+`
	const path = `[a-zA-Z0-9_./-]+`
	const num = `[0-9]{1,5}`

	return []AllowRule{
		{Name: "status_unix", Action: api.ActionStatus, Pattern: `^uptime && df -h && (free -m|vm_stat)$`},
		{Name: "status_windows", Action: api.ActionStatus, Pattern: `^systeminfo$`},
		{Name: "disk_unix", Action: api.ActionDiskSpace, Pattern: `^df -h$`},
		{Name: "disk_windows", Action: api.ActionDiskSpace, Pattern: `^wmic logicaldisk get caption,freespace,size$`},
		{Name: "memory_linux", Action: api.ActionMemory, Pattern: `^free -m$`},
		{Name: "memory_macos", Action: api.ActionMemory, Pattern: `^vm_stat$`},
		{Name: "memory_windows", Action: api.ActionMemory, Pattern: `^wmic os get freephysicalmemory,totalvisiblememorysize$`},
		{Name: "uptime_unix", Action: api.ActionUptime, Pattern: `^uptime$`},
		{Name: "uptime_windows", Action: api.ActionUptime, Pattern: `^net statistics workstation$`},
		{Name: "processes_unix", Action: api.ActionProcesses, Pattern: `^ps aux \| head -n ` + num + `$`},
		{Name: "processes_windows", Action: api.ActionProcesses, Pattern: `^tasklist$`},
		{Name: "service_status_linux", Action: api.ActionServiceStatus, Pattern: `^systemctl status ` + name + ` --no-pager$`},
		{Name: "service_status_macos", Action: api.ActionServiceStatus, Pattern: `^launchctl print system/` + name + `$`},
		{Name: "service_status_windows", Action: api.ActionServiceStatus, Pattern: `^sc query "` + name + `"$`},
		{Name: "tail_logs_linux", Action: api.ActionTailLogs, Pattern: `^journalctl -u ` + name + ` -n ` + num + ` --no-pager$`},
		{Name: "tail_logs_macos", Action: api.ActionTailLogs, Pattern: `^log show --predicate 'process == "` + name + `"' --last ` + num + `m$`},
		{Name: "tail_logs_windows", Action: api.ActionTailLogs, Pattern: `^wevtutil qe System /c:` + num + ` /rd:true /f:text$`},
		{Name: "restart_service_linux", Action: api.ActionRestartService, Pattern: `^sudo systemctl restart ` + name + `$`},
		{Name: "restart_service_macos", Action: api.ActionRestartService, Pattern: `^sudo launchctl kickstart -k system/` + name + `$`},
		{Name: "restart_service_windows", Action: api.ActionRestartService, Pattern: `^sc stop "` + name + `" && sc start "` + name + `"$`},
		{Name: "start_service_linux", Action: api.ActionStartService, Pattern: `^sudo systemctl start ` + name + `$`},
		{Name: "start_service_macos", Action: api.ActionStartService, Pattern: `^sudo launchctl bootstrap system /Library/LaunchDaemons/` + name + `\.plist$`},
		{Name: "start_service_windows", Action: api.ActionStartService, Pattern: `^sc start "` + name + `"$`},
		{Name: "stop_service_linux", Action: api.ActionStopService, Pattern: `^sudo systemctl stop ` + name + `$`},
		{Name: "stop_service_macos", Action: api.ActionStopService, Pattern: `^sudo launchctl bootout system/` + name + `$`},
		{Name: "stop_service_windows", Action: api.ActionStopService, Pattern: `^sc stop "` + name + `"$`},
		{Name: "deploy_unix", Action: api.ActionDeploy, Pattern: `^cd /opt/` + path + ` && git pull --ff-only && \./deploy\.sh$`},
		{Name: "reboot_unix", Action: api.ActionReboot, Pattern: `^sudo shutdown -r (\+` + num + `|now)$`},
		{Name: "reboot_windows", Action: api.ActionReboot, Pattern: `^shutdown /r /t ` + num + `$`},
		{Name: "shutdown_unix", Action: api.ActionShutdown, Pattern: `^sudo shutdown -h (\+` + num + `|now)$`},
		{Name: "shutdown_windows", Action: api.ActionShutdown, Pattern: `^shutdown /s /t ` + num + `$`},
	}
}
