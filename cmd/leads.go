package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-engine/internal/leads"
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Lead hygiene utilities",
}

var leadsCheckCmd = &cobra.Command{
	Use:   "check <email>...",
	Short: "Show how the suppression rules treat each address",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pipeline, err := initPipeline(cfg.Suppression)
		if err != nil {
			return err
		}
		formatLeadChecks(os.Stdout, pipeline, args)
		return nil
	},
}

func init() {
	leadsCmd.AddCommand(leadsCheckCmd)
	rootCmd.AddCommand(leadsCmd)
}

// formatLeadChecks runs each address through p and writes the verdicts.
func formatLeadChecks(out io.Writer, p *leads.Pipeline, emails []string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "EMAIL\tNORMALIZED\tRESULT")
	for _, e := range emails {
		normalized, reason := p.Check(e)
		result := "ok"
		if reason != "" {
			result = "suppressed: " + reason
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e, normalized, result)
	}
	_ = w.Flush()
}
