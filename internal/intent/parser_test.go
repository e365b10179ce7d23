package intent

import (
	"testing"

	"github.com/opsgate/opsgate/api"
)

func TestParseActions(t *testing.T) {
	tests := []struct {
		query string
		want  api.Action
	}{
		{"restart the bot service", api.ActionRestartService},
		{"please restart nginx", api.ActionRestartService},
		{"stop the worker service", api.ActionStopService},
		{"start the api service", api.ActionStartService},
		{"how much disk space is left", api.ActionDiskSpace},
		{"show me memory usage", api.ActionMemory},
		{"what's the uptime", api.ActionUptime},
		{"show the last 50 lines of logs", api.ActionTailLogs},
		{"deploy the latest code", api.ActionDeploy},
		{"reboot the server", api.ActionReboot},
		{"shutdown the machine in 5 minutes", api.ActionShutdown},
		{"status report please", api.ActionStatus},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := Parse(tt.query)
			if got.Action != tt.want {
				t.Errorf("Parse(%q).Action = %s, want %s", tt.query, got.Action, tt.want)
			}
			if got.Confidence < MinConfidence {
				t.Errorf("Parse(%q).Confidence = %.2f, below threshold", tt.query, got.Confidence)
			}
		})
	}
}

func TestParseServiceName(t *testing.T) {
	in := Parse("restart the bot service")
	if in.Parameters["service"] != "bot" {
		t.Errorf("service = %q, want bot", in.Parameters["service"])
	}

	in = Parse("stop the nginx service")
	if in.Parameters["service"] != "nginx" {
		t.Errorf("service = %q, want nginx", in.Parameters["service"])
	}
}

func TestParseDelayAndLines(t *testing.T) {
	in := Parse("shutdown the machine in 10 minutes")
	if in.Parameters["delay"] != "10" {
		t.Errorf("delay = %q, want 10", in.Parameters["delay"])
	}

	in = Parse("tail 200 lines of the bot logs")
	if in.Parameters["lines"] != "200" {
		t.Errorf("lines = %q, want 200", in.Parameters["lines"])
	}
}

func TestParseRebootBeatsServiceRestart(t *testing.T) {
	in := Parse("restart the server")
	if in.Action != api.ActionReboot {
		t.Errorf("Action = %s, want %s", in.Action, api.ActionReboot)
	}
}

func TestParseMatchesWholeWordsOnly(t *testing.T) {
	// "start" appears inside "restart"; the phrase must not match there.
	in := Parse("restart the bot service")
	if in.Action != api.ActionRestartService {
		t.Errorf("Action = %s, want %s", in.Action, api.ActionRestartService)
	}
	if in.Parameters["service"] != "bot" {
		t.Errorf("service = %q, want bot", in.Parameters["service"])
	}

	in = Parse("show running processes")
	if in.Action != api.ActionProcesses {
		t.Errorf("Action = %s, want %s", in.Action, api.ActionProcesses)
	}
}

func TestParseUnknownQuery(t *testing.T) {
	in := Parse("make me a sandwich")
	if in.Confidence >= MinConfidence {
		t.Errorf("unknown query got confidence %.2f", in.Confidence)
	}

	in = Parse("")
	if in.Action != "" || in.Confidence != 0 {
		t.Errorf("empty query should produce zero-value intent, got %+v", in)
	}
}

func TestParseMissingServiceLowersConfidence(t *testing.T) {
	named := Parse("restart the bot service")
	unnamed := Parse("restart it")
	if unnamed.Confidence >= named.Confidence {
		t.Errorf("unnamed (%.2f) should score below named (%.2f)",
			unnamed.Confidence, named.Confidence)
	}
}
