package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/opsgate/opsgate/api"
	"github.com/opsgate/opsgate/internal/approval"
)

var approvalsActor string

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and resolve pending approvals on a running server",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approvals",
	RunE:  runApprovalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveApproval(args[0], "approve")
	},
}

var approvalsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveApproval(args[0], "cancel")
	},
}

func init() {
	approvalsCmd.PersistentFlags().StringVar(&approvalsActor, "actor", "cli", "actor id recorded for the resolution")
	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsCancelCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	var resp struct {
		Pending []approval.Pending `json:"pending"`
	}
	if err := callServer(http.MethodGet, "/api/v1/approvals", nil, &resp); err != nil {
		return err
	}

	if len(resp.Pending) == 0 {
		fmt.Println("no pending approvals")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREQUESTER\tCOMMAND\tEXPIRES")
	for _, p := range resp.Pending {
		stage := ""
		if p.Command.RequiresDoubleConfirm {
			stage = " (1/2)"
			if p.DoubleConfirmStage {
				stage = " (2/2)"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s%s\n",
			p.ID, p.RequesterID, p.Command.Text, humanize.Time(p.ExpiresAt), stage)
	}
	return w.Flush()
}

func resolveApproval(id, verb string) error {
	body, err := json.Marshal(map[string]string{"actor_id": approvalsActor})
	if err != nil {
		return err
	}

	var result api.PipelineResult
	if err := callServer(http.MethodPost, "/api/v1/approvals/"+id+"/"+verb, body, &result); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// callServer performs an authenticated request against the configured
// server address and decodes the JSON response into out.
func callServer(method, path string, body []byte, out any) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("OPSGATE_API_KEY is required to talk to the server")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://"+cfg.ListenAddr+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling server at %s: %w", cfg.ListenAddr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusInternalServerError ||
		resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusConflict ||
		resp.StatusCode == http.StatusBadRequest {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("server: %s", e.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return json.Unmarshal(data, out)
}
