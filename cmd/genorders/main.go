package main

import (
	"context"
	"math/rand"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"mogipos/internal/app"
	"mogipos/internal/config"
	"mogipos/internal/ledger"
	"mogipos/internal/logging"
)

func main() {
	cliApp := &cli.App{
		Name:  "genorders",
		Usage: "finalize random carts against the catalog for demo data",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "count", Value: 100, Usage: "number of orders to generate"},
			&cli.Int64Flag{Name: "seed", Usage: "random seed, defaults to the clock"},
			&cli.StringFlag{Name: "data-dir", Usage: "state directory"},
			&cli.StringFlag{Name: "backend", Usage: "memory|pebble|badger"},
		},
		Action: run,
	}
	if err := cliApp.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("generation failed")
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.IsSet("data-dir") {
		cfg.DataDir = c.String("data-dir")
	}
	if c.IsSet("backend") {
		cfg.StateBackend = c.String("backend")
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	a, err := app.New(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Init(c.Context); err != nil {
		return err
	}

	seed := time.Now().UnixNano()
	if c.IsSet("seed") {
		seed = c.Int64("seed")
	}
	n, err := generateOrders(c.Context, a, c.Int("count"), rand.New(rand.NewSource(seed)))
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"orders": n, "seed": seed}).Info("orders generated")
	return nil
}

// generateOrders rings up count carts of 1-4 random lines and pays each
// with the total rounded up to the next 1000 yen note.
func generateOrders(ctx context.Context, a *app.App, count int, rnd *rand.Rand) (int, error) {
	items, err := a.Catalog.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, errors.New("catalog is empty")
	}
	sess := ledger.NewSession()
	made := 0
	for i := 0; i < count; i++ {
		lines := 1 + rnd.Intn(4)
		for j := 0; j < lines; j++ {
			it, err := a.Catalog.Get(ctx, items[rnd.Intn(len(items))].ID)
			if err != nil {
				return made, err
			}
			for q := 1 + rnd.Intn(3); q > 0; q-- {
				sess.Cart.AddLine(it)
			}
		}
		if sess.Cart.IsEmpty() {
			continue
		}
		total := sess.Cart.Total()
		cash := (total/1000 + 1) * 1000
		if _, err := a.Ledger.Finalize(ctx, sess, cash); err != nil {
			return made, errors.Wrapf(err, "order %d", i+1)
		}
		made++
	}
	return made, nil
}
