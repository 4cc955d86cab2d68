// Package cli implements the conduit command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/m-jawhar/conduit/internal/config"
	"github.com/m-jawhar/conduit/internal/logging"
)

const version = "v0.3.0"

type app struct {
	v       *viper.Viper
	cfgFile string
	stdout  io.Writer
	stderr  io.Writer
}

// NewRootCommand builds the command tree. Each call has its own configuration
// state.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: config.New(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "conduit",
		Short: "Resumable single-file transfer",
		Long: `conduit moves one file from a sender to a receiver and verifies it end to end.

An interrupted transfer leaves a .partial file in the receiver's .conduit_partial
directory; sending the same file again continues from where it stopped.

  Receive into ./incoming:  conduit receive --out ./incoming
  Send a file:              conduit send --addr host:9000 ./movie.mkv`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			used, err := config.ReadFile(a.v, a.cfgFile)
			if err != nil {
				return err
			}
			if used != "" {
				a.logger("conduit").Debug("using config file", "path", used)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.conduit.yaml)")
	config.BindLogFlags(a.v, root.PersistentFlags())

	root.AddCommand(a.newSendCommand(), a.newReceiveCommand(), a.newGencertCommand(), a.newStatusCommand())
	return root
}

// Execute runs the command line and returns the process exit status.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) logger(name string) *slog.Logger {
	l := config.LoadLog(a.v)
	return logging.NewWithWriter(a.stderr, name, l.Level, l.Format)
}
