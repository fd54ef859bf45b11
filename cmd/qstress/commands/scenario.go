package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/llxisdsh/qsync/internal/stress"
)

var (
	ErrInvariantViolated = errors.New("invariant violated")
	ErrUnknownScenario   = errors.New("unknown scenario")
)

var scenarioCmds = []struct {
	name  string
	short string
}{
	{"lock", "Contend on a ReentrantLock, with some acquisitions cancelled"},
	{"rwlock", "Mix readers and writers on a ReentrantRWLock"},
	{"queue", "Pass items through an ArrayBlockingQueue"},
	{"semaphore", "Share a small pool of Semaphore permits"},
	{"executor", "Submit tasks to an Executor and shut it down"},
}

func newScenarioCmd(args *RootArgs, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cc *cobra.Command, _ []string) error {
			return run(cc, args, name)
		},
	}
}

func newAllCmd(args *RootArgs) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run every scenario in turn",
		Args:  cobra.NoArgs,
		RunE: func(cc *cobra.Command, _ []string) error {
			names := make([]string, 0, len(scenarioCmds))
			for _, sc := range scenarioCmds {
				names = append(names, sc.name)
			}
			return run(cc, args, names...)
		},
	}
}

// settings merges the config file with any flags given explicitly.
func settings(cc *cobra.Command, args *RootArgs) (*Config, error) {
	c, err := LoadConfig(args.GetConfigFile())
	if err != nil {
		return nil, err
	}

	flags := cc.Flags()
	if flags.Changed("goroutines") {
		c.Stress.Goroutines = *args.goroutines
	}
	if flags.Changed("iterations") {
		c.Stress.Iterations = *args.iterations
	}
	if flags.Changed("fair") {
		c.Stress.Fair = *args.fair
	}

	return c, nil
}

func run(cc *cobra.Command, args *RootArgs, names ...string) error {
	c, err := settings(cc, args)
	if err != nil {
		return err
	}
	execOpts, err := c.ExecutorOptions()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cc.Context(), os.Interrupt)
	defer stop()
	if d := args.GetTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	scenarios := map[string]stress.Scenario{}
	for _, sc := range stress.Scenarios() {
		scenarios[sc.Name] = sc
	}
	scenarios["executor"] = stress.Scenario{
		Name: "executor",
		Run: func(ctx context.Context, o stress.Options) (stress.Report, error) {
			return stress.Executor(ctx, o, execOpts...)
		},
	}

	o := c.Options()
	slog.Info("starting",
		"scenarios", names,
		"goroutines", o.Goroutines,
		"iterations", o.Iterations,
		"fair", o.Fair,
	)

	var violations *multierror.Error
	for _, name := range names {
		sc, ok := scenarios[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownScenario, name)
		}

		r, err := sc.Run(ctx, o)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		fmt.Fprintln(cc.OutOrStdout(), r)
		if r.Failed() {
			for _, v := range r.Violations.Errors {
				slog.Error("invariant violated", "scenario", name, "err", v)
			}
			violations = multierror.Append(violations, fmt.Errorf("%s: %w", name, r.Violations))
		}
	}

	if err := violations.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvariantViolated, err)
	}

	return nil
}
