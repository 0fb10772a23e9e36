package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/joao-fontenele/orderflow-stock/internal/config"
	"github.com/joao-fontenele/orderflow-stock/internal/ledger"
	"github.com/joao-fontenele/orderflow-stock/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	app := &cli.App{
		Name:  "ledger",
		Usage: "check and repair stock aggregates against the movement log",
		Commands: []*cli.Command{
			{
				Name:  "verify",
				Usage: "report variants whose stock differs from the movement log",
				Action: func(c *cli.Context) error {
					l, closeDB, err := openLedger(logger)
					if err != nil {
						return err
					}
					defer closeDB()

					mismatches, err := l.Verify(c.Context)
					if err != nil {
						return fmt.Errorf("verify ledger: %w", err)
					}
					for _, m := range mismatches {
						logger.Warn("stock mismatch", "variant_id", m.VariantID, "aggregate", m.Aggregate, "ledger", m.Ledger)
					}
					if len(mismatches) > 0 {
						return cli.Exit(fmt.Sprintf("%d variants out of sync", len(mismatches)), 2)
					}
					logger.Info("stock matches ledger")
					return nil
				},
			},
			{
				Name:  "rebuild",
				Usage: "recompute stock quantities from the movement log",
				Action: func(c *cli.Context) error {
					l, closeDB, err := openLedger(logger)
					if err != nil {
						return err
					}
					defer closeDB()

					changed, err := l.Rebuild(c.Context)
					if err != nil {
						return fmt.Errorf("rebuild ledger: %w", err)
					}
					logger.Info("rebuild complete", "changed", len(changed), "variant_ids", changed)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("ledger command failed", "error", err)
		os.Exit(1)
	}
}

func openLedger(logger *slog.Logger) (*ledger.Ledger, func(), error) {
	cfg, err := config.LoadDatabase()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := telemetry.OpenDB(cfg.URL, cfg.Schema)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	l, err := ledger.New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	return l, func() { _ = db.Close() }, nil
}
