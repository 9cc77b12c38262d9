// optrun runs a gradient descent from the command line. The run is
// expressed as a small task graph: build the population, optimize,
// then export the recorded history.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	gotaskflow "github.com/noneback/go-taskflow"

	"github.com/cyw0ng95/descent/pkg/broker"
	"github.com/cyw0ng95/descent/pkg/broker/connector"
	"github.com/cyw0ng95/descent/pkg/checkpoint"
	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/export"
	"github.com/cyw0ng95/descent/pkg/gd"
	"github.com/cyw0ng95/descent/pkg/history"
	"github.com/cyw0ng95/descent/pkg/objective"
	"github.com/cyw0ng95/descent/pkg/work"
)

func main() {
	var (
		configPath = flag.String("config", common.DefaultConfigFile, "configuration file")
		objName    = flag.String("objective", "sphere", "objective function (sphere, rosenbrock, rastrigin)")
		dim        = flag.Int("dim", 4, "number of parameters")
		lower      = flag.Float64("lower", -10, "lower parameter bound")
		upper      = flag.Float64("upper", 10, "upper parameter bound")
		runID      = flag.String("run-id", "", "run identifier (default: derived from time)")
		xlsxPath   = flag.String("export", "", "write run history to this xlsx file")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println(common.VersionString())
		return
	}

	if err := run(*configPath, *objName, *dim, *lower, *upper, *runID, *xlsxPath); err != nil {
		common.Error("optrun failed: %v", err)
		os.Exit(1)
	}
}

func run(configPath, objName string, dim int, lower, upper float64, runID, xlsxPath string) error {
	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("cannot load configuration: %w", err)
	}
	common.SetLevel(common.ParseLogLevel(cfg.Logging.Level))

	obj, err := objective.ByName(objName)
	if err != nil {
		return err
	}
	if dim <= 0 {
		return fmt.Errorf("%w: dimension must be positive", common.ErrInvalidConfiguration)
	}
	if runID == "" {
		runID = fmt.Sprintf("run-%d", time.Now().Unix())
	}

	logger := common.NewLogger(os.Stderr, "optrun", common.ParseLogLevel(cfg.Logging.Level))

	// Broker-side plumbing, only spun up for the brokered mode
	var (
		brk  *broker.Broker
		conn *connector.Connector
	)
	if cfg.Descent.Mode == "brokered" {
		brk = broker.New(logger)
		consumers := cfg.Broker.Consumers
		if consumers <= 0 {
			consumers = 4
		}
		brk.StartLocal(consumers)
		if cfg.Broker.Remote.URL != "" {
			rc, err := broker.NewRemoteConsumer(cfg.Broker.Remote, logger)
			if err != nil {
				return err
			}
			brk.RunConsumer(rc)
		}
		conn, err = connector.NewFromConfig(brk, cfg.Broker.PortCapacity, cfg.Connector, logger)
		if err != nil {
			return err
		}
		defer func() {
			conn.Close()
			brk.Close()
		}()
	}

	var (
		runner  gd.Runner
		best    gd.Fitness
		ckpt    *checkpoint.Store
		hist    *history.Store
		runErr  error
		records []history.IterationRecord
	)
	defer func() {
		if ckpt != nil {
			ckpt.Close()
		}
		if hist != nil {
			hist.Close()
		}
	}()

	tf := gotaskflow.NewTaskFlow(runID)

	buildTask := tf.NewTask("build", func() {
		item, err := work.NewVector(centeredStart(dim, lower, upper), lower, upper, obj)
		if err != nil {
			runErr = err
			return
		}

		runner, err = gd.NewFromConfig([]work.Item{item}, cfg.Descent, conn, logger)
		if err != nil {
			runErr = err
			return
		}

		if base, ok := runner.(interface {
			SetRunID(string)
			AddRecorder(gd.Recorder)
		}); ok {
			base.SetRunID(runID)

			checkpointPath := cfg.Storage.CheckpointPath
			if checkpointPath == "" {
				checkpointPath = common.DefaultCheckpointDBPath
			}
			if store, err := checkpoint.Open(checkpointPath); err != nil {
				logger.Warn("checkpointing disabled: %v", err)
			} else {
				ckpt = store
				base.AddRecorder(store)
			}

			historyPath := cfg.Storage.HistoryPath
			if historyPath == "" {
				historyPath = common.DefaultHistoryDBPath
			}
			if store, err := history.Open(historyPath); err != nil {
				logger.Warn("run history disabled: %v", err)
			} else {
				hist = store
				base.AddRecorder(store)
			}
		}
	})

	optimizeTask := tf.NewTask("optimize", func() {
		if runErr != nil {
			return
		}
		best, runErr = runner.Optimize()
		if runErr == nil {
			runErr = runner.Finalize()
		}
	})

	exportTask := tf.NewTask("export", func() {
		if runErr != nil || hist == nil {
			return
		}
		records, runErr = hist.ListRun(runID)
		if runErr != nil || xlsxPath == "" {
			return
		}
		runErr = export.WriteRunXLSX(records, xlsxPath)
	})

	buildTask.Precede(optimizeTask)
	optimizeTask.Precede(exportTask)

	executor := gotaskflow.NewExecutor(2)
	executor.Run(tf).Wait()

	if runErr != nil {
		return runErr
	}

	logger.Info("run %s finished: best fitness %.6g (raw %.6g), %d iterations recorded",
		runID, best.Transformed, best.Raw, len(records))
	fmt.Printf("%s: best=%.6g\n", runID, best.Transformed)
	return nil
}

// centeredStart places the starting point halfway between the center
// and the upper bound, away from the optimum of the benchmarks.
func centeredStart(dim int, lower, upper float64) []float64 {
	params := make([]float64, dim)
	for i := range params {
		params[i] = lower + 0.75*(upper-lower)
	}
	return params
}
