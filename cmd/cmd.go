package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/Polqt/crdtcollab/app"
	"github.com/Polqt/crdtcollab/config"
)

const (
	ServiceName = "crdtcollab"
)

// Run builds and runs the urfave/cli application; os/main's only job
// is calling this and translating a non-nil error into an exit code.
func Run(args []string) error {
	cliApp := &cli.App{
		Name:  ServiceName,
		Usage: "Real-time collaborative notebook/text editing backend",
		Commands: []*cli.Command{
			serverCmd(),
		},
	}
	return cliApp.Run(args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the collaboration server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
			&cli.StringFlag{
				Name:  "files_root",
				Usage: "Root directory of files served by the content store",
				Value: "./var/files",
			},
		},
		Action: func(c *cli.Context) error {
			// urfave/cli/v2 flags are stdlib flag.FlagSet-backed, not
			// pflag; bridge just the one flag config.Load cares about
			// rather than plumbing pflag through the whole cli command.
			flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
			flags.String("config_file", c.String("config_file"), "")

			cfg, err := config.Load(flags)
			if err != nil {
				return err
			}

			a, err := app.New(cfg, c.String("files_root"))
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:    cfg.ServerHost + ":" + cfg.ServerPort,
				Handler: newRouter(a),
			}

			serveErr := make(chan error, 1)
			go func() {
				slog.Info("cmd: server listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
					return
				}
				serveErr <- nil
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

			select {
			case <-stop:
				slog.Info("cmd: shutting down")
			case err := <-serveErr:
				if err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("cmd: error shutting down http server", "err", err)
			}
			a.Shutdown(ctx)
			return nil
		},
	}
}
