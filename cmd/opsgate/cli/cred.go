package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsgate/opsgate/api"
	"github.com/opsgate/opsgate/internal/executor"
)

var (
	credKind string
	credHost string
	credPort int
	credUser string
)

var credCmd = &cobra.Command{
	Use:   "cred",
	Short: "Manage remote server credentials",
	Long: `Store, list, delete and test the credentials opsgate uses to reach
remote servers. Secrets are encrypted at rest with the key from
OPSGATE_VAULT_KEY and are read from stdin, never from flags.`,
}

var credSetCmd = &cobra.Command{
	Use:     "set <server-id>",
	Short:   "Store a credential (secret read from stdin)",
	Example: `  echo -n "$SSH_PASSWORD" | opsgate cred set web-1 --kind ssh --host 10.0.0.5 --user deploy`,
	Args:    cobra.ExactArgs(1),
	RunE:    runCredSet,
}

var credListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credentials (metadata only)",
	RunE:  runCredList,
}

var credDeleteCmd = &cobra.Command{
	Use:   "delete <server-id>",
	Short: "Delete a credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredDelete,
}

var credTestCmd = &cobra.Command{
	Use:   "test <server-id>",
	Short: "Verify a credential by connecting to the server",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredTest,
}

func init() {
	credCmd.PersistentFlags().StringVar(&credKind, "kind", "ssh", "transport (ssh or winrm)")
	credSetCmd.Flags().StringVar(&credHost, "host", "", "server hostname or address")
	credSetCmd.Flags().IntVar(&credPort, "port", 0, "port (0 uses the transport default)")
	credSetCmd.Flags().StringVar(&credUser, "user", "", "login username")
	_ = credSetCmd.MarkFlagRequired("host")
	_ = credSetCmd.MarkFlagRequired("user")
	credCmd.AddCommand(credSetCmd, credListCmd, credDeleteCmd, credTestCmd)
	rootCmd.AddCommand(credCmd)
}

func credentialKind() (api.CredentialKind, error) {
	kind := api.CredentialKind(credKind)
	if kind != api.CredentialSSH && kind != api.CredentialWinRM {
		return "", fmt.Errorf("unknown transport %q (ssh or winrm)", credKind)
	}
	return kind, nil
}

func runCredSet(cmd *cobra.Command, args []string) error {
	kind, err := credentialKind()
	if err != nil {
		return err
	}

	secret, err := io.ReadAll(io.LimitReader(os.Stdin, 1<<20))
	if err != nil {
		return fmt.Errorf("reading secret from stdin: %w", err)
	}
	trimmed := strings.TrimRight(string(secret), "\r\n")
	if trimmed == "" {
		return fmt.Errorf("no secret on stdin")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	if s.vault == nil {
		return fmt.Errorf("OPSGATE_VAULT_KEY is required for credential commands")
	}

	if err := s.vault.Store(args[0], kind, credHost, credPort, credUser, trimmed); err != nil {
		return err
	}
	fmt.Printf("stored credential for %s/%s\n", args[0], kind)
	return nil
}

func runCredList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	if s.vault == nil {
		return fmt.Errorf("OPSGATE_VAULT_KEY is required for credential commands")
	}

	infos, err := s.vault.List()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no credentials stored")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tKIND\tHOST\tPORT\tUSER")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			info.ServerID, info.Kind, info.Host, info.Port, info.Username)
	}
	return w.Flush()
}

func runCredDelete(cmd *cobra.Command, args []string) error {
	kind, err := credentialKind()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	if s.vault == nil {
		return fmt.Errorf("OPSGATE_VAULT_KEY is required for credential commands")
	}

	if err := s.vault.Delete(args[0], kind); err != nil {
		return err
	}
	fmt.Printf("deleted credential for %s/%s\n", args[0], kind)
	return nil
}

func runCredTest(cmd *cobra.Command, args []string) error {
	kind, err := credentialKind()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	target := executor.Target{ServerID: args[0], Kind: kind}
	if err := s.exec.TestConnection(ctx, target); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}

	p, err := s.exec.DetectPlatform(ctx, target)
	if err != nil {
		fmt.Printf("connected to %s, platform unknown: %v\n", args[0], err)
		return nil
	}
	fmt.Printf("connected to %s (%s)\n", args[0], p)
	return nil
}
