package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/storefront/preorder/internal/config"
	"github.com/storefront/preorder/internal/dispatch"
	"github.com/storefront/preorder/internal/repository"
	"github.com/storefront/preorder/internal/timer"
	"github.com/storefront/preorder/pkg/logger"
	pkgredis "github.com/storefront/preorder/pkg/redis"
)

type reconciliationConfig struct {
	Once bool
	Cron string
}

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		exitFunc(2)
		return
	}
	log := logger.NewWithLevel(cfg.ServiceName+"-reconciliation", os.Stdout, cfg.LogLevel)

	flags, err := parseFlags(os.Args[1:], cfg.ReconcileSchedule)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		exitFunc(2)
		return
	}

	job, cleanup, err := connect(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("reconciliation setup failed")
		exitFunc(2)
		return
	}
	defer cleanup()

	exitFunc(runCLI(ctx, flags, job, os.Stdout, os.Stderr))
}

func parseFlags(args []string, defaultCron string) (reconciliationConfig, error) {
	fs := flag.NewFlagSet("reconciliation", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg reconciliationConfig
	fs.BoolVar(&cfg.Once, "once", false, "run a single pass and exit")
	fs.StringVar(&cfg.Cron, "cron", defaultCron, "cron expression for scheduled runs")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if !cfg.Once && strings.TrimSpace(cfg.Cron) == "" {
		return cfg, fmt.Errorf("either --once or --cron is required")
	}
	return cfg, nil
}

func connect(ctx context.Context, cfg *config.Config, log *logger.Logger) (*reconciler, func(), error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	redisClient, err := pkgredis.NewClient(ctx, cfg.RedisConfig())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	job := &reconciler{
		orders:  repository.NewPostgresStore(db),
		timers:  timer.NewRedisStore(redisClient, cfg.TimerKey),
		signals: dispatch.NewStream(pkgredis.NewStreamClient(redisClient), cfg.SignalStream),
		log:     log,
	}
	cleanup := func() {
		_ = redisClient.Close()
		_ = db.Close()
	}
	return job, cleanup, nil
}

func runCLI(ctx context.Context, cfg reconciliationConfig, job *reconciler, out, errOut io.Writer) int {
	if cfg.Once {
		return runOnce(ctx, job, out, errOut)
	}
	return runScheduled(ctx, cfg, job, out, errOut)
}

func runOnce(ctx context.Context, job *reconciler, out, errOut io.Writer) int {
	rep, err := job.Run(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "reconciliation failed: %v\n", err)
		return 2
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(rep)
	if rep.Errors > 0 {
		return 1
	}
	return 0
}

func runScheduled(ctx context.Context, cfg reconciliationConfig, job *reconciler, out, errOut io.Writer) int {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	if code := runOnce(ctx, job, out, errOut); code == 2 {
		return code
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if code := runOnce(ctx, job, out, errOut); code != 0 {
			fmt.Fprintf(errOut, "scheduled reconciliation exited with code %d\n", code)
		}
	}))

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return 0
}
