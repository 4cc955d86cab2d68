package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/m-jawhar/conduit/internal/certs"
	"github.com/m-jawhar/conduit/internal/checksum"
	"github.com/m-jawhar/conduit/internal/config"
	"github.com/m-jawhar/conduit/internal/dispatch"
	"github.com/m-jawhar/conduit/internal/partial"
	"github.com/m-jawhar/conduit/internal/progress"
	"github.com/m-jawhar/conduit/internal/status"
	"github.com/m-jawhar/conduit/internal/termio"
	"github.com/m-jawhar/conduit/internal/transfer"
	"github.com/m-jawhar/conduit/internal/transport"
)

func (a *app) newReceiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Accept transfers into an output directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runReceive(cmd.Context())
		},
	}
	config.BindReceiverFlags(a.v, cmd.Flags())
	return cmd
}

func (a *app) runReceive(ctx context.Context) error {
	cfg, err := config.LoadReceiver(a.v)
	if err != nil {
		return err
	}
	log := a.logger("conduit-receive")
	engine, err := checksum.Parse(cfg.Checksum)
	if err != nil {
		return err
	}

	out, err := cfg.OutDir()
	if err != nil {
		return err
	}
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(out, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	store := partial.NewStore(fs, out)

	console := termio.NewWriter(a.stdout, 0)
	defer console.Close()

	recv := transfer.NewReceiver(store, engine, cfg.ChunkSize)
	recv.LockTimeout = cfg.LockTimeout
	recv.ProgressStep = cfg.ProgressStep
	recv.Logger = log
	recv.OnProgress = func(d transfer.Descriptor, m progress.Milestone) {
		fmt.Fprintln(console, progressLine(d.Name, m))
	}

	opts := transport.Options{Kind: cfg.Kind(), Addr: cfg.Listen}
	if cfg.TLSCert != "" {
		opts.TLS, err = certs.ServerConfig(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return err
		}
	}
	ln, err := transport.Listen(ctx, opts)
	if err != nil {
		return err
	}
	defer ln.Close()
	fmt.Fprintf(console, "listening on %s (%s), saving to %s\n", ln.Addr(), cfg.Kind(), out)

	if cfg.Once {
		return receiveOnce(ctx, ln, recv, console)
	}

	d := dispatch.New(ln, reportingHandler(recv, console), cfg.Workers, log)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Serve(gctx)
	})
	if cfg.StatusAddr != "" {
		srv := status.New(d, store, log)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.StatusAddr)
		})
	}
	return g.Wait()
}

// reportingHandler prints the outcome of every session it serves.
func reportingHandler(recv *transfer.Receiver, console io.Writer) dispatch.Handler {
	return dispatch.HandlerFunc(func(ctx context.Context, conn transport.Conn) error {
		res, err := recv.Receive(ctx, conn)
		printResult(console, res)
		return err
	})
}

// receiveOnce serves a single connection and reports its outcome.
func receiveOnce(ctx context.Context, ln transport.Listener, recv *transfer.Receiver, console io.Writer) error {
	conn, err := ln.Accept(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	res, err := recv.Receive(ctx, conn)
	printResult(console, res)
	return err
}
