package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"mogipos/internal/app"
	"mogipos/internal/config"
	"mogipos/internal/logging"
	"mogipos/internal/report"
)

func main() {
	cliApp := &cli.App{
		Name:  "posd",
		Usage: "single terminal order ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Usage: "state directory"},
			&cli.StringFlag{Name: "backend", Usage: "memory|pebble|badger"},
			&cli.StringFlag{Name: "changelog-sink", Usage: "none|file|kafka|both"},
			&cli.StringFlag{Name: "bootstrap", Usage: "kafka bootstrap servers"},
			&cli.StringFlag{Name: "log-level"},
			&cli.StringFlag{Name: "log-format", Usage: "json|text"},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP terminal",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "http", Usage: "listen address"},
					&cli.DurationFlag{Name: "snapshot-interval", Usage: "periodic snapshot interval, 0 disables"},
				},
				Action: serve,
			},
			{
				Name:   "snapshot",
				Usage:  "write a snapshot and publish its manifest",
				Action: takeSnapshot,
			},
			{
				Name:  "restore",
				Usage: "rebuild the store from the latest snapshot and the changelog",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "source", Value: "file", Usage: "file|kafka"},
				},
				Action: restoreState,
			},
			{
				Name:  "export",
				Usage: "write the sales export to a file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Value: "csv", Usage: "csv|xlsx"},
					&cli.StringFlag{Name: "out", Value: ".", Usage: "output directory"},
				},
				Action: export,
			},
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("posd failed")
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	overrides := map[string]*string{
		"data-dir":       &cfg.DataDir,
		"backend":        &cfg.StateBackend,
		"changelog-sink": &cfg.ChangelogSink,
		"bootstrap":      &cfg.KafkaBootstrap,
		"log-level":      &cfg.LogLevel,
		"log-format":     &cfg.LogFormat,
		"http":           &cfg.HTTPAddr,
	}
	for name, dst := range overrides {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	if c.IsSet("snapshot-interval") {
		cfg.SnapshotInterval = c.Duration("snapshot-interval")
	}
	return cfg, cfg.Validate()
}

func open(c *cli.Context) (*app.App, *logrus.Logger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(c.Context, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}

func serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, logger, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Init(ctx); err != nil {
		return err
	}

	srv := &http.Server{Addr: a.Config.HTTPAddr, Handler: a.Handler()}
	go func() {
		logger.WithFields(logrus.Fields{"addr": srv.Addr, "backend": a.Config.StateBackend}).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server stopped")
			stop()
		}
	}()
	go a.RunSnapshots(ctx)

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
	if a.Config.SnapshotInterval > 0 {
		if _, err := a.TakeSnapshot(shutdownCtx); err != nil {
			logger.WithError(err).Error("final snapshot failed")
		}
	}
	return nil
}

func takeSnapshot(c *cli.Context) error {
	a, _, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()
	id, err := a.TakeSnapshot(c.Context)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func restoreState(c *cli.Context) error {
	a, logger, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()
	start := time.Now()
	res, err := a.Restore(c.Context, c.String("source"))
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"snapshot": res.SnapshotID,
		"applied":  res.Applied,
		"skipped":  res.Skipped,
		"offset":   res.Offset,
		"took":     time.Since(start).String(),
	}).Info("restore finished")
	return nil
}

func export(c *cli.Context) error {
	a, logger, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()

	format := c.String("format")
	name := report.ExportFilename(time.Now())
	if format == "xlsx" {
		name = strings.TrimSuffix(name, ".csv") + ".xlsx"
	} else if format != "csv" {
		return errors.Errorf("export format %q: want csv|xlsx", format)
	}
	if err := os.MkdirAll(c.String("out"), 0o755); err != nil {
		return errors.Wrap(err, "mkdir")
	}
	path := filepath.Join(c.String("out"), name)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create export")
	}
	defer f.Close()

	rows, err := a.Reporter.Rows(c.Context)
	if err != nil {
		return err
	}
	if format == "xlsx" {
		agg, err := a.Reporter.Aggregate(c.Context)
		if err != nil {
			return err
		}
		err = report.WriteXLSX(f, rows, agg)
	} else {
		err = report.WriteCSV(f, rows)
	}
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"path": path, "rows": len(rows)}).Info("export written")
	return nil
}
