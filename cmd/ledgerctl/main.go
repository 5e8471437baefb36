package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/compliance-ledger/backend/internal/audit"
	"github.com/compliance-ledger/backend/internal/prediction"
	"github.com/compliance-ledger/backend/internal/storage/sqlite"
	"github.com/compliance-ledger/backend/pkg/config"
	"github.com/compliance-ledger/backend/pkg/logger"
)

// errChainInvalid makes the process exit with status 2.
var errChainInvalid = errors.New("audit chain is invalid")

var now = time.Now

type options struct {
	configPath string
	dbPath     string
}

func main() {
	err := newRootCmd().Execute()
	switch {
	case err == nil:
	case errors.Is(err, errChainInvalid):
		os.Exit(2)
	default:
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "ledgerctl - offline tools for the compliance ledger",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (defaults to ./config.yaml or ./config/config.yaml)")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite path, overrides the config")

	root.AddCommand(newVerifyCmd(opts), newExportCmd(opts), newPredictCmd(opts))
	return root
}

func (o *options) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.dbPath != "" {
		cfg.SQLite.Path = o.dbPath
	}
	if err := logger.Init(cfg.Logging.Level, "console", "stderr"); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*sqlite.Client, error) {
	store, err := sqlite.NewClient(cfg.SQLite.Path, cfg.SQLite.BusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

func newVerifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Walk the audit chain and report the first broken record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			return runVerify(cmd.Context(), store, cmd.OutOrStdout())
		},
	}
}

func runVerify(ctx context.Context, store audit.Store, out io.Writer) error {
	report, err := audit.NewBuilder(store, audit.NewMutexLocker()).VerifyChain(ctx)
	if err != nil {
		return err
	}
	if err := writeJSON(out, report); err != nil {
		return err
	}
	if !report.Valid {
		return errChainInvalid
	}
	return nil
}

func newExportCmd(opts *options) *cobra.Command {
	var date, dir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Chain one audit period and export every audit record to disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Audit.ExportDir
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			period := time.Duration(cfg.Audit.PeriodHours) * time.Hour
			return runExport(cmd.Context(), store, date, period, dir, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "UTC day to chain (YYYY-MM-DD), defaults to the last complete audit period")
	cmd.Flags().StringVar(&dir, "dir", "", "Export directory, overrides the config")
	return cmd
}

// runExport chains the UTC day named by date, or the last complete period of
// the given length when date is empty.
func runExport(ctx context.Context, store audit.Store, date string, length time.Duration, dir string, out io.Writer) error {
	exporter, err := audit.NewFileExporter(dir)
	if err != nil {
		return err
	}

	period := audit.PeriodFor(now(), length)
	if date != "" {
		if period, err = audit.DayPeriod(date); err != nil {
			return err
		}
	}

	builder := audit.NewBuilder(store, audit.NewMutexLocker(), audit.WithExporter(exporter))
	result, err := builder.Run(ctx, period)
	if err != nil {
		return err
	}

	records, err := builder.Records(ctx)
	if err != nil {
		return err
	}
	written, err := exporter.ExportAll(ctx, records)
	if err != nil {
		return err
	}

	return writeJSON(out, map[string]interface{}{
		"period":      result.Period,
		"new_records": len(result.Records),
		"tail_hash":   result.TailHash,
		"exported":    written,
		"export_dir":  dir,
		"total_chain": len(records),
	})
}

func newPredictCmd(opts *options) *cobra.Command {
	var project string
	var days int
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Run the risk predictor for one project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" {
				return errors.New("--project is required")
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			chain, workload := cfg.Prediction.DependencyChainLength, cfg.Prediction.TeamWorkload
			svc := prediction.NewService(store, prediction.WithDefaults(prediction.Options{
				DependencyChainLength: &chain,
				TeamWorkload:          &workload,
			}))
			return runPredict(cmd.Context(), svc, project, days, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "Project ID")
	cmd.Flags().IntVar(&days, "days", prediction.DefaultHorizonDays, "Prediction horizon in days")
	return cmd
}

func runPredict(ctx context.Context, svc *prediction.Service, project string, days int, out io.Writer) error {
	res, err := svc.Predict(ctx, project, days, prediction.Options{})
	if err != nil {
		return err
	}
	return writeJSON(out, res)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
