package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/yungbote/feedforge-backend/internal/app"
	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/jobs/recovery"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envFlag := &cli.StringFlag{
		Name:  "env",
		Usage: "path to a .env file",
		Value: ".env",
	}

	cmd := &cli.Command{
		Name:  "feedforge",
		Usage: "discovers sources for a topic and builds collector scripts for them",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API and the job worker pool",
				Flags: []cli.Flag{
					envFlag,
					&cli.StringFlag{Name: "addr", Usage: "listen address, overrides HTTP_ADDR"},
				},
				Action: serveAction,
			},
			{
				Name:   "migrate",
				Usage:  "create or update the database schema",
				Flags:  []cli.Flag{envFlag},
				Action: migrateAction,
			},
			{
				Name:   "sweep",
				Usage:  "fail build jobs left creating by a dead process; run only while no server is up",
				Flags:  []cli.Flag{envFlag},
				Action: sweepAction,
			},
			{
				Name:  "run",
				Usage: "run one build job in this process and wait for it",
				Flags: []cli.Flag{
					envFlag,
					&cli.StringFlag{Name: "job", Usage: "build job id", Required: true},
				},
				Action: runAction,
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(cmd *cli.Command) (app.Config, *logger.Logger, error) {
	cfg, err := app.LoadConfig(cmd.String("env"))
	if err != nil {
		return app.Config{}, nil, err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return app.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	if addr := cmd.String("addr"); addr != "" {
		cfg.HTTPAddr = addr
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Sync()
		return err
	}
	defer a.Close()
	return a.Serve(ctx)
}

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	store, err := app.OpenStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.DB.AutoMigrateAll(); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	log.Info("Schema up to date", "driver", store.DB.Driver())
	return nil
}

func sweepAction(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	store, err := app.OpenStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	// nothing runs in this process, so every creating job is an orphan
	sweeper := recovery.NewSweeper(store.Journal, func(*jobs.BuildJob) bool { return false }, store.DB, log)
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("failed %d orphaned job(s)\n", n)
	return nil
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	jobID, err := uuid.Parse(cmd.String("job"))
	if err != nil {
		return fmt.Errorf("invalid --job: %w", err)
	}
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Sync()
		return err
	}
	defer a.Close()

	job, err := a.RunJob(ctx, jobID)
	if err != nil {
		return err
	}
	fmt.Printf("job %s: %s", job.ID, job.Status)
	if job.Error != "" {
		fmt.Printf(" (%s)", job.Error)
	}
	fmt.Println()
	return nil
}
