package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/m-jawhar/conduit/internal/certs"
)

type gencertFlags struct {
	cert     string
	key      string
	hosts    []string
	validFor time.Duration
}

func (a *app) newGencertCommand() *cobra.Command {
	var f gencertFlags
	cmd := &cobra.Command{
		Use:   "gencert",
		Short: "Write a self-signed certificate and key for the tls, quic and ws transports",
		Long: `Write a self-signed certificate and key.

Start the receiver with --tls-cert/--tls-key pointing at the pair and give
senders the certificate as --tls-ca.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			certPEM, keyPEM, err := certs.Generate(f.hosts, f.validFor)
			if err != nil {
				return err
			}
			if err := certs.WriteFiles(f.cert, f.key, certPEM, keyPEM); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "wrote %s and %s for %v, valid for %s\n", f.cert, f.key, f.hosts, f.validFor)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.cert, "cert", "cert.pem", "certificate output path")
	cmd.Flags().StringVar(&f.key, "key", "key.pem", "private key output path")
	cmd.Flags().StringSliceVar(&f.hosts, "host", []string{"localhost", "127.0.0.1"}, "DNS names and IPs the certificate is valid for")
	cmd.Flags().DurationVar(&f.validFor, "valid-for", certs.DefaultValidity, "certificate lifetime")
	return cmd
}
