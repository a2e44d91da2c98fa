package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asdhq/asd-net/internal/doctor"
	"github.com/asdhq/asd-net/internal/secaudit"
)

func newDoctorCmd(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run local diagnostics and report issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			report, err := doctor.Run(a.Paths)
			if err != nil {
				return err
			}
			if a.JSON {
				return printJSON(report)
			}
			for _, i := range report.Issues {
				fmt.Printf("[%s] %-20s %-24s %s (%s)\n", i.Severity, i.Check, i.Target, i.Message, i.Recommendation)
			}
			if report.HasHigh() {
				return fmt.Errorf("doctor found high-severity issues")
			}
			return nil
		},
	}
}

func newSecurityCmd(jsonOut *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "security",
		Short: "Security posture diagnostics",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "audit",
		Short: "Audit configuration and file-permission posture",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			report, err := secaudit.RunAudit(a.Paths)
			if err != nil {
				return err
			}
			if a.JSON {
				return printJSON(report)
			}
			for _, f := range report.Findings {
				fmt.Printf("[%s] %-24s %s (%s)\n", f.Severity, f.Target, f.Message, f.Recommendation)
			}
			if report.HasHigh() {
				return fmt.Errorf("security audit found high-severity findings")
			}
			return nil
		},
	})
	return cmd
}
