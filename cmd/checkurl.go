package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/fetchguard/internal/urlsafety"
)

// newCheckURLCmd reports whether each argument would pass the URL safety gate.
func newCheckURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-url <url>...",
		Short: "Checks URLs against the SSRF safety policy",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gate := urlsafety.New(urlsafety.DefaultPolicy())
			denied := 0
			for _, raw := range args {
				if err := gate.Check(cmd.Context(), raw); err != nil {
					denied++
					fmt.Fprintf(cmd.OutOrStdout(), "deny  %s: %v\n", raw, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "allow %s\n", raw)
			}
			if denied > 0 {
				return fmt.Errorf("%d of %d urls denied", denied, len(args))
			}
			return nil
		},
	}
}
