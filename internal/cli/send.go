package cli

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/m-jawhar/conduit/internal/certs"
	"github.com/m-jawhar/conduit/internal/checksum"
	"github.com/m-jawhar/conduit/internal/config"
	"github.com/m-jawhar/conduit/internal/progress"
	"github.com/m-jawhar/conduit/internal/termio"
	"github.com/m-jawhar/conduit/internal/transfer"
	"github.com/m-jawhar/conduit/internal/transport"
)

func (a *app) newSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Send a file, resuming where a previous attempt stopped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSend(cmd.Context(), args[0])
		},
	}
	config.BindSenderFlags(a.v, cmd.Flags())
	return cmd
}

func (a *app) runSend(ctx context.Context, path string) error {
	cfg, err := config.LoadSender(a.v)
	if err != nil {
		return err
	}
	log := a.logger("conduit-send")
	engine, err := checksum.Parse(cfg.Checksum)
	if err != nil {
		return err
	}

	// Validate the source before touching the network.
	src, err := transfer.OpenSource(afero.NewOsFs(), path)
	if err != nil {
		return err
	}

	opts := transport.Options{Kind: cfg.Kind(), Addr: cfg.Addr, DialTimeout: cfg.DialTimeout}
	if cfg.UseTLS() {
		opts.TLS, err = certs.ClientConfig(cfg.TLSCA, cfg.Insecure, cfg.ServerName)
		if err != nil {
			return err
		}
	}

	console := termio.NewWriter(a.stdout, 0)
	defer console.Close()

	fmt.Fprintf(console, "connecting to %s (%s)\n", cfg.Addr, cfg.Kind())
	conn, err := transport.Dial(ctx, opts)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	s := &transfer.Sender{
		Checksum:     engine,
		ChunkSize:    cfg.ChunkSize,
		ProgressStep: cfg.ProgressStep,
		Logger:       log,
		OnNegotiated: func(offset uint64, restarted bool) {
			fmt.Fprintln(console, negotiatedLine(src.Name(), offset, src.Size(), restarted))
		},
		OnProgress: func(m progress.Milestone) {
			fmt.Fprintln(console, progressLine(src.Name(), m))
		},
	}
	res, err := s.Send(ctx, conn, src)
	printResult(console, res)
	return err
}
