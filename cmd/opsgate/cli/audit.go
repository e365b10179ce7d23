package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/opsgate/opsgate/api"
)

var (
	auditUser   string
	auditType   string
	auditSearch string
	auditFailed bool
	auditLimit  int
	auditKeep   int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	RunE:  runAuditList,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the audit log",
	RunE:  runAuditStats,
}

var auditCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete the oldest audit entries beyond a retention count",
	RunE:  runAuditCleanup,
}

func init() {
	auditCmd.Flags().StringVar(&auditUser, "user", "", "filter by user id")
	auditCmd.Flags().StringVar(&auditType, "type", "", "filter by entry type")
	auditCmd.Flags().StringVar(&auditSearch, "search", "", "full-text filter on intent and command")
	auditCmd.Flags().BoolVar(&auditFailed, "failed", false, "only unsuccessful entries")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum entries to show")
	auditCleanupCmd.Flags().IntVar(&auditKeep, "keep", 10000, "entries to retain")
	auditCmd.AddCommand(auditStatsCmd, auditCleanupCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	filter := api.AuditFilter{
		UserID: auditUser,
		Type:   api.EntryType(auditType),
		Text:   auditSearch,
		Limit:  auditLimit,
	}
	if auditFailed {
		failed := false
		filter.Success = &failed
	}

	entries, err := s.audit.Query(filter)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no matching audit entries")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tTYPE\tUSER\tTARGET\tCOMMAND\tOK")
	for _, e := range entries {
		ok := ""
		if e.Success {
			ok = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(e.Timestamp), e.Type, e.UserID, e.Target, e.Command, ok)
	}
	return w.Flush()
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.audit.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("total entries: %s\n", humanize.Comma(int64(stats.Total)))
	fmt.Printf("succeeded:     %s\n", humanize.Comma(int64(stats.SuccessCount)))
	fmt.Printf("failed:        %s\n", humanize.Comma(int64(stats.FailureCount)))
	if stats.Total > 0 {
		fmt.Printf("oldest:        %s\n", humanize.Time(stats.Oldest))
		fmt.Printf("newest:        %s\n", humanize.Time(stats.Newest))
	}
	if len(stats.ByType) > 0 {
		fmt.Println("by type:")
		for t, n := range stats.ByType {
			fmt.Printf("  %-14s %d\n", t, n)
		}
	}
	if len(stats.ByUser) > 0 {
		fmt.Println("by user:")
		for u, n := range stats.ByUser {
			fmt.Printf("  %-14s %d\n", u, n)
		}
	}
	return nil
}

func runAuditCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	removed, err := s.audit.Cleanup(auditKeep)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d entries\n", removed)
	return nil
}
