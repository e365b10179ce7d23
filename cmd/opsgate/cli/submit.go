package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opsgate/opsgate/api"
	"github.com/opsgate/opsgate/internal/executor"
	"github.com/opsgate/opsgate/internal/pipeline"
)

var (
	submitCaller string
	submitServer string
	submitKind   string
)

var submitCmd = &cobra.Command{
	Use:   "submit <query>",
	Short: "Run a request through the full pipeline",
	Long: `Submit a request in this process, without a running server. Commands
that need approval come back pending; resolve them with the approvals
subcommands against a running server, or re-run interactively.`,
	Example: `  opsgate submit "how much disk space is left"
  opsgate submit --server web-1 --kind ssh "restart the nginx service"`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitCaller, "caller", "cli", "caller id recorded in the audit log")
	submitCmd.Flags().StringVar(&submitServer, "server", "", "remote server id (empty runs locally)")
	submitCmd.Flags().StringVar(&submitKind, "kind", "ssh", "remote transport (ssh or winrm)")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	target := executor.Target{}
	if submitServer != "" {
		kind := api.CredentialKind(submitKind)
		if kind != api.CredentialSSH && kind != api.CredentialWinRM {
			return fmt.Errorf("unknown transport %q (ssh or winrm)", submitKind)
		}
		target = executor.Target{ServerID: submitServer, Kind: kind}
	}

	result, err := s.pipeline.Submit(context.Background(), pipeline.Request{
		Query:    args[0],
		CallerID: submitCaller,
		Target:   target,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
