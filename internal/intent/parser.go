// Package intent turns free-text operator queries into structured intents
// using keyword and pattern heuristics. It is independent of execution; a
// structured caller may construct an api.Intent directly and skip it.
package intent

import (
	"regexp"
	"strings"

	"github.com/opsgate/opsgate/api"
)

// MinConfidence is the threshold below which callers should reject a parsed
// intent instead of submitting it to the pipeline.
const MinConfidence = 0.5

type rule struct {
	action api.Action
	// all phrases in one group must appear; any group matching suffices
	groups     [][]string
	confidence float64
}

var rules = []rule{
	{api.ActionRestartService, [][]string{{"restart"}, {"reboot", "service"}, {"bounce"}}, 0.9},
	{api.ActionStopService, [][]string{{"stop", "service"}, {"shut down", "service"}, {"kill", "service"}}, 0.85},
	{api.ActionStartService, [][]string{{"start", "service"}, {"bring up", "service"}, {"launch", "service"}}, 0.85},
	{api.ActionServiceStatus, [][]string{{"service", "status"}, {"service", "running"}, {"is", "up"}}, 0.8},
	{api.ActionDiskSpace, [][]string{{"disk"}, {"storage"}, {"space left"}, {"filesystem"}}, 0.9},
	{api.ActionMemory, [][]string{{"memory"}, {"ram"}, {"swap"}}, 0.9},
	{api.ActionUptime, [][]string{{"uptime"}, {"how long", "running"}, {"since", "boot"}}, 0.9},
	{api.ActionProcesses, [][]string{{"process"}, {"processes"}, {"top"}, {"what is running"}}, 0.8},
	{api.ActionTailLogs, [][]string{{"logs"}, {"log", "tail"}, {"journal"}}, 0.85},
	{api.ActionDeploy, [][]string{{"deploy"}, {"roll out"}, {"release", "code"}}, 0.85},
	{api.ActionReboot, [][]string{{"reboot", "machine"}, {"reboot", "server"}, {"reboot", "host"}, {"restart", "machine"}, {"restart", "server"}}, 0.85},
	{api.ActionShutdown, [][]string{{"shutdown"}, {"shut down", "machine"}, {"power off"}, {"turn off"}}, 0.85},
	{api.ActionStatus, [][]string{{"status"}, {"health"}, {"how are"}}, 0.7},
}

var (
	tokenRe       = regexp.MustCompile(`[a-z0-9_.@/-]+`)
	serviceNameRe = regexp.MustCompile(`(?:restart|stop|start|bounce|status of)(?:\s+the)?\s+([a-zA-Z0-9_.@-]+)(?:\s+service)?`)
	trailingSvcRe = regexp.MustCompile(`([a-zA-Z0-9_.@-]+)\s+service`)
	linesRe       = regexp.MustCompile(`(?:last|tail)\s+(\d{1,4})\s+lines`)
	delayRe       = regexp.MustCompile(`in\s+(\d{1,4})\s+(?:second|sec|minute|min)`)
	deployAppRe   = regexp.MustCompile(`deploy\s+([a-zA-Z0-9_./-]+)`)
)

// Parse classifies a free-text query into an Intent. The returned confidence
// is 0 when no rule matched; callers compare against MinConfidence.
func Parse(query string) api.Intent {
	in := api.Intent{
		Parameters: map[string]string{},
		RawQuery:   query,
	}

	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return in
	}

	// "restart the server" must classify as a host reboot while "restart
	// the bot service" stays a service restart, so the most specific match
	// (longest phrase group) wins; confidence breaks ties.
	tokens := tokenRe.FindAllString(q, -1)
	best, bestScore := -1, 0.0
	for i, r := range rules {
		n := matchLen(tokens, r.groups)
		if n == 0 {
			continue
		}
		score := float64(n) + r.confidence
		if best == -1 || score > bestScore {
			best, bestScore = i, score
		}
	}
	if best == -1 {
		return in
	}

	r := rules[best]
	in.Action = r.action
	in.Confidence = r.confidence
	extractParams(q, &in)
	return in
}

// matchLen returns the length of the longest fully-matching phrase group,
// or 0 when no group matches.
func matchLen(tokens []string, groups [][]string) int {
	longest := 0
	for _, group := range groups {
		ok := true
		for _, phrase := range group {
			if !containsPhrase(tokens, strings.Fields(phrase)) {
				ok = false
				break
			}
		}
		if ok && len(group) > longest {
			longest = len(group)
		}
	}
	return longest
}

// containsPhrase reports whether want occurs as a consecutive run of whole
// tokens. Matching on whole tokens keeps "start" from matching inside
// "restart".
func containsPhrase(tokens, want []string) bool {
	if len(want) == 0 {
		return false
	}
	for i := 0; i+len(want) <= len(tokens); i++ {
		match := true
		for j, w := range want {
			if tokens[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func extractParams(q string, in *api.Intent) {
	switch in.Action {
	case api.ActionRestartService, api.ActionStartService, api.ActionStopService,
		api.ActionServiceStatus, api.ActionTailLogs:
		if name := serviceName(q); name != "" {
			in.Parameters["service"] = name
		} else {
			// No service name found. Keep the action but drop the
			// confidence so the caller asks for clarification.
			in.Confidence -= 0.3
		}
	case api.ActionDeploy:
		if m := deployAppRe.FindStringSubmatch(q); m != nil && !filler[m[1]] {
			in.Parameters["app"] = m[1]
		}
	}

	if m := linesRe.FindStringSubmatch(q); m != nil {
		in.Parameters["lines"] = m[1]
	}
	if in.Action == api.ActionReboot || in.Action == api.ActionShutdown {
		if m := delayRe.FindStringSubmatch(q); m != nil {
			in.Parameters["delay"] = m[1]
		}
	}
}

// filler holds words that commonly sit where a service or app name would be.
var filler = map[string]bool{
	"the": true, "a": true, "service": true, "my": true,
	"machine": true, "server": true, "host": true, "it": true,
}

// serviceName pulls a service identifier out of the query.
func serviceName(q string) string {
	if m := serviceNameRe.FindStringSubmatch(q); m != nil && !filler[m[1]] {
		return m[1]
	}
	if m := trailingSvcRe.FindStringSubmatch(q); m != nil && !filler[m[1]] {
		return m[1]
	}
	return ""
}
