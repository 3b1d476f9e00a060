package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/replicate/go/logging"
	"github.com/replicate/go/must"
	_ "go.uber.org/automaxprocs"

	"github.com/tinyserve/staticd/internal/config"
	"github.com/tinyserve/staticd/internal/service"
)

var logger = logging.New("staticd")

func serveCommand() *ff.Command {
	log := logger.Sugar()

	var cfg service.Config
	flags := ff.NewFlagSet("serve")
	must.Do(flags.AddStruct(&cfg))

	return &ff.Command{
		Name:      "serve",
		Usage:     "serve [FLAGS]",
		ShortHelp: "serve static pages and the config update endpoint",
		Flags:     flags,
		Exec: func(ctx context.Context, args []string) error {
			log.Infow("configuration",
				"settings", cfg.SettingsPath,
				"credentials", cfg.CredentialsPath,
				"read-timeout", cfg.ReadTimeout,
				"watch", cfg.Watch,
			)

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				ch := make(chan os.Signal, 1)
				signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
				s := <-ch
				log.Infow("stopping staticd", "signal", s)
				cancel()
			}()

			svc := service.New(cfg, logger)
			if err := svc.Initialize(ctx); err != nil {
				return err
			}
			if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info("shutdown completed normally")
			return nil
		},
	}
}

func hashPasswordCommand() *ff.Command {
	flags := ff.NewFlagSet("hash-password")

	return &ff.Command{
		Name:      "hash-password",
		Usage:     "hash-password <PASSWORD>",
		ShortHelp: "print a bcrypt hash for the credentials file",
		Flags:     flags,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return ff.ErrHelp
			}
			h, err := config.HashPassword(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(os.Stdout, "password:%s\n", h)
			return err
		},
	}
}

func main() {
	log := logger.Sugar()
	flags := ff.NewFlagSet("staticd")
	cmd := &ff.Command{
		Name:  "staticd",
		Usage: "staticd <COMMAND> [FLAGS]",
		Flags: flags,
		Exec: func(ctx context.Context, args []string) error {
			return ff.ErrHelp
		},
		Subcommands: []*ff.Command{
			serveCommand(),
			hashPasswordCommand(),
		},
	}
	err := cmd.ParseAndRun(context.Background(), os.Args[1:], ff.WithEnvVarPrefix("STATICD"))
	switch {
	case errors.Is(err, ff.ErrHelp):
		must.Get(fmt.Fprintln(os.Stderr, ffhelp.Command(cmd)))
		os.Exit(1)
	case err != nil:
		log.Error(err)
		os.Exit(1)
	}
}
