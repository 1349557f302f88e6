package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/api"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/deploy"
	"github.com/zulandar/roundhouse/internal/engine"
	"github.com/zulandar/roundhouse/internal/events"
	"github.com/zulandar/roundhouse/internal/instance"
	"github.com/zulandar/roundhouse/internal/jobs"
	"github.com/zulandar/roundhouse/internal/logging"
	"github.com/zulandar/roundhouse/internal/process"
	"github.com/zulandar/roundhouse/internal/repository"
	"github.com/zulandar/roundhouse/internal/schedule"
	"github.com/zulandar/roundhouse/internal/store"
)

// shutdownTimeout bounds releasing watchdogs and draining jobs on exit.
const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Roundhouse daemon",
		Long: `Runs the daemon: migrates the database, reattaches to servers left running
by the previous daemon, auto starts online instances, fires cron schedules
and serves the REST API until interrupted.

Servers keep running when the daemon exits and are reattached on the next
start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Roundhouse config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "API port (overrides api.port)")
	return cmd
}

// publisher is the lifecycle event sink the daemon owns.
type publisher interface {
	instance.Events
	Close() error
}

func connectEvents(cfg config.NATSConfig, log zerolog.Logger) (publisher, error) {
	if cfg.URL == "" {
		return events.Nop{}, nil
	}
	p, err := events.Connect(cfg, log)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)
	if port > 0 {
		cfg.API.Port = port
	}

	log := logging.New(cfg.Logging, cmd.ErrOrStderr())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if err := db.SeedInstances(gormDB, cfg.Instances); err != nil {
		return err
	}
	st := store.New(gormDB)

	pub, err := connectEvents(cfg.NATS, log)
	if err != nil {
		return err
	}
	defer pub.Close()

	gh, err := repository.NewGitHub(ctx, cfg.GitHub)
	if err != nil {
		return err
	}

	sched := jobs.New(st, jobs.Options{Workers: cfg.Jobs.Workers, QueueSize: cfg.Jobs.QueueSize, Logger: log})
	sched.Start()

	launcher := process.Exec{}
	pipeline := &deploy.Pipeline{
		Store:       st,
		Source:      &repository.Git{GitHub: gh, Log: log},
		Compiler:    engine.DreamMaker{Path: cfg.Engine.CompilerPath},
		Launcher:    launcher,
		Deployments: gh,
		Engine:      cfg.Engine,
		Log:         log,
	}
	manager := instance.New(instance.Options{
		Store:       st,
		Jobs:        sched,
		Pipeline:    pipeline,
		Launcher:    launcher,
		Dumper:      process.CommandDumper{Command: cfg.Dump.Command},
		Engine:      cfg.Engine,
		HostVersion: Version,
		Events:      pub,
		Logger:      log,
	})

	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return manager.Shutdown(sctx)
	}

	res, err := manager.Start(ctx)
	if err != nil {
		return errors.Join(err, shutdown())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Managing %d instances (%d reattached, %d auto started)\n",
		res.Instances, res.Reattached, res.AutoStarted)

	runner := schedule.New(manager, st, log)
	if err := runner.Reload(ctx); err != nil {
		log.Warn().Err(err).Msg("some schedules were not loaded")
	}
	runner.Start()

	apiErr := api.Start(ctx, api.StartOpts{
		Manager:   manager,
		Users:     cfg.API.Users,
		Schedules: runner,
		Port:      cfg.API.Port,
		Out:       cmd.OutOrStdout(),
		Logger:    log,
	})
	if apiErr != nil {
		log.Error().Err(apiErr).Msg("api stopped")
	}

	<-runner.Stop().Done()
	fmt.Fprintln(cmd.OutOrStdout(), "Shutting down; servers keep running and will be reattached")
	return errors.Join(apiErr, shutdown())
}
