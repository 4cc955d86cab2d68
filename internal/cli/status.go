package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/m-jawhar/conduit/internal/clienthttp"
	"github.com/m-jawhar/conduit/internal/progress"
)

func (a *app) newStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the sessions and partial files of a running receiver",
		Long:  `Query the status endpoint of a receiver started with --status-addr.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := clienthttp.FetchSessions(ctx, addr)
			if err != nil {
				return err
			}
			pending, err := clienthttp.FetchPartials(ctx, addr)
			if err != nil {
				return err
			}

			fmt.Fprintf(a.stdout, "%d/%d sessions active, %d completed, %d failed\n",
				s.Stats.Active, s.Stats.Capacity, s.Stats.Completed, s.Stats.Failed)
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			for _, sess := range s.Sessions {
				fmt.Fprintf(tw, "  %s\t%s\t%s\n", sess.ID, sess.Remote, time.Since(sess.Started).Round(time.Second))
			}
			if len(pending) > 0 {
				fmt.Fprintln(tw, "partial files:")
			}
			for _, p := range pending {
				note := ""
				if p.Suspect {
					note = "failed verification, restarts on next attempt"
				}
				fmt.Fprintf(tw, "  %s\t%s\t%s\n", p.Name, progress.FormatBytes(p.Size), note)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:9100", "receiver status address")
	return cmd
}
