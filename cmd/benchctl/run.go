package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
	"golang.org/x/sync/errgroup"

	"cellbench"
	"cellbench/internal/canbus"
)

type runFlags struct {
	benches  []int
	cell     int
	testType string
	trace    bool
}

func newRunCmd(global *globalFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a test sequence on one or more benches",
		Long: "Run the selected test on the same cell of every listed bench. Benches run\n" +
			"concurrently and take turns on the shared station. Ctrl-C stops every run.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			testType, err := cellbench.ParseTestType(flags.testType)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(global.configPath)
			if err != nil {
				return err
			}
			return runTests(cmd.Context(), cmd.OutOrStdout(), cfg, flags, testType, global.logger())
		},
	}
	cmd.Flags().IntSliceVarP(&flags.benches, "bench", "b", []int{1}, "Bench numbers to run on (e.g. 1,2,3)")
	cmd.Flags().IntVar(&flags.cell, "cell", 0, "Cell number on each bench")
	cmd.Flags().StringVarP(&flags.testType, "test", "t", "", "Test to run: cccv_charge, cc_discharge or rpt")
	cmd.Flags().BoolVar(&flags.trace, "trace", false, "Print every command frame sent to the cyclers")
	cmd.MarkFlagRequired("cell")
	cmd.MarkFlagRequired("test")
	return cmd
}

func runTests(ctx context.Context, out io.Writer, cfg fileConfig, flags *runFlags, testType cellbench.TestType, logger logging.Logger) (err error) {
	benches := flags.benches
	runners := make([]cellbench.TestRunner, len(benches))
	sections := make([]benchSection, len(benches))
	seen := map[int]bool{}
	for i, n := range benches {
		if seen[n] {
			return fmt.Errorf("test bench %d listed twice", n)
		}
		seen[n] = true
		section, ok := cfg.bench(n)
		if !ok {
			return fmt.Errorf("test bench %d is not configured", n)
		}
		sections[i] = section
	}

	stationCfg := cfg.stationConfig()
	bus, err := cellbench.OpenBus(ctx, stationCfg, logger)
	if err != nil {
		return err
	}
	var recorder *canbus.Recorder
	if flags.trace {
		recorder = canbus.NewRecorder(bus)
		bus = recorder
	}
	st, err := cellbench.NewStationWithBus(resource.NewName(generic.API, stationName), stationCfg, bus, logger)
	if err != nil {
		return multierr.Append(err, bus.Close())
	}
	defer func() {
		err = multierr.Append(err, st.Close(context.Background()))
	}()

	deps := resource.Dependencies{st.Name(): st}
	for i, section := range sections {
		name := resource.NewName(generic.API, fmt.Sprintf("bench-%d", section.Number))
		b, err := cellbench.NewBench(ctx, deps, name, cfg.benchConfig(section), logger)
		if err != nil {
			return err
		}
		defer b.Close(context.Background())
		runners[i] = b.(cellbench.TestRunner)
	}

	display := newRunDisplay(out, benches)
	results := make([]*cellbench.RunResult, len(runners))

	var g errgroup.Group
	for i, runner := range runners {
		g.Go(func() error {
			res, err := runner.RunTest(ctx, testType, flags.cell, display.Update)
			results[i] = res
			return err
		})
	}
	runErr := g.Wait()
	display.Finish()

	var finished []*cellbench.RunResult
	for _, r := range results {
		if r != nil {
			finished = append(finished, r)
		}
	}
	printSummary(out, finished)
	if recorder != nil {
		printTrace(out, recorder.Sent())
	}

	if runErr != nil {
		logger.Debugf("first run error: %v", runErr)
		if len(finished) < len(results) {
			return runErr
		}
		return errRunsFailed
	}
	return nil
}
