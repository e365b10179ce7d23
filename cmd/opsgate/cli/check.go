package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opsgate/opsgate/api"
	"github.com/opsgate/opsgate/internal/command"
	"github.com/opsgate/opsgate/internal/intent"
	"github.com/opsgate/opsgate/internal/platform"
	"github.com/opsgate/opsgate/internal/validate"
)

var checkPlatform string

var checkCmd = &cobra.Command{
	Use:   "check <query>",
	Short: "Dry-run a request without executing anything",
	Long: `Show how a request would be parsed, the command it would generate and
the verdict the validator would return. Nothing is executed, rate
limited or audited.`,
	Example: `  opsgate check "restart the bot service"
  opsgate check --platform windows "reboot the server in 5 minutes"`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkPlatform, "platform", "", "target platform (linux, macos, windows); defaults to the local one")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	p := platform.Detect().Platform
	if checkPlatform != "" {
		switch api.Platform(checkPlatform) {
		case api.PlatformLinux, api.PlatformMacOS, api.PlatformWindows:
			p = api.Platform(checkPlatform)
		default:
			return fmt.Errorf("unknown platform %q (linux, macos or windows)", checkPlatform)
		}
	}

	in := intent.Parse(args[0])

	output := struct {
		Intent  api.Intent   `json:"intent"`
		Command *api.Command `json:"command,omitempty"`
		Verdict *api.Verdict `json:"verdict,omitempty"`
		Error   string       `json:"error,omitempty"`
	}{Intent: in}

	if in.Confidence >= intent.MinConfidence {
		c, err := command.Generate(in, p)
		if err != nil {
			output.Error = err.Error()
		} else {
			output.Command = &c

			rules := validate.DefaultRules()
			if cfg.RulesPath != "" {
				if rules, err = validate.LoadRules(cfg.RulesPath); err != nil {
					return err
				}
			}
			v, err := validate.New(rules, logger)
			if err != nil {
				return err
			}
			if cfg.RegoPolicyPath != "" {
				engine, err := validate.NewRegoEngine(cfg.RegoPolicyPath)
				if err != nil {
					return fmt.Errorf("loading rego policy: %w", err)
				}
				v.SetRegoEngine(engine)
			}

			verdict := v.Validate(context.Background(), c.Text, "check")
			output.Verdict = &verdict
		}
	} else {
		output.Error = "request not understood"
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}
