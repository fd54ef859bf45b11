package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/llxisdsh/qsync/internal/logutil"
)

const Version = "0.1.0"

var (
	ErrLogHandlerFailed = errors.New("log handler failed")

	blockProfile *pprof.Profile
	mutexProfile *pprof.Profile
)

func NewRootCmd(name, shortDesc, longDesc string) *cobra.Command {
	args := NewRootArgs()

	cmd := &cobra.Command{
		Use:           name,
		Short:         shortDesc,
		Long:          longDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	cmd.PersistentFlags().StringVar(args.logLevel, "log_level", "warn", "Set the log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(args.logFormat, "log_format", "text", "Set the log format (text, logfmt, json)")
	cmd.PersistentFlags().StringVarP(args.configFile, "config", "c", "", "Read settings from this YAML file")

	cmd.PersistentFlags().IntVarP(args.goroutines, "goroutines", "g", 0, "Number of contending goroutines")
	cmd.PersistentFlags().IntVarP(args.iterations, "iterations", "n", 0, "Operations per goroutine")
	cmd.PersistentFlags().BoolVar(args.fair, "fair", false, "Use fair ordering")
	cmd.PersistentFlags().DurationVar(args.timeout, "timeout", 0, "Abort the run after this long (0 means no limit)")

	cmd.PersistentFlags().StringVar(args.cpuProfile, "cpuprofile", "", "Write a CPU profile to this file")
	cmd.PersistentFlags().StringVar(args.blockProfile, "blockprofile", "", "Write a block profile to this file")
	cmd.PersistentFlags().IntVar(args.blockProfileRate, "blockprofile_rate", 1, "Block profiling rate as a fraction")
	cmd.PersistentFlags().StringVar(args.mutexProfile, "mutexprofile", "", "Write a mutex profile to this file")
	cmd.PersistentFlags().IntVar(args.mutexProfileRate, "mutexprofile_rate", 1, "Mutex profiling rate as a fraction")

	for _, f := range []string{"config", "cpuprofile", "blockprofile", "mutexprofile"} {
		if err := cmd.MarkPersistentFlagFilename(f); err != nil {
			panic(err)
		}
	}

	cmd.PersistentPreRunE = func(cc *cobra.Command, _ []string) error {
		var merr error

		h, err := logutil.CreateHandler(cc.ErrOrStderr(), args.GetLogLevel(), args.GetLogFormat())
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%w: %w", ErrLogHandlerFailed, err))
		} else {
			slog.SetDefault(slog.New(h))
		}

		if args.GetCPUProfile() != "" {
			f, err := os.Create(args.GetCPUProfile())
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("failed to create CPU profile: %w", err))
			} else if err := pprof.StartCPUProfile(f); err != nil {
				must(f.Close())
				merr = multierror.Append(merr, fmt.Errorf("failed to start CPU profile: %w", err))
			}
		}

		if args.GetBlockProfile() != "" {
			runtime.SetBlockProfileRate(args.GetBlockProfileRate())
			blockProfile = pprof.Lookup("block")
		}

		if args.GetMutexProfile() != "" {
			runtime.SetMutexProfileFraction(args.GetMutexProfileRate())
			mutexProfile = pprof.Lookup("mutex")
		}

		if merr != nil {
			return merr
		}

		slog.Debug("ready to go")

		return nil
	}

	cmd.PersistentPostRunE = func(_ *cobra.Command, _ []string) error {
		slog.Debug("shutting down")

		if args.GetCPUProfile() != "" {
			pprof.StopCPUProfile()
		}

		if err := writeProfile(blockProfile, args.GetBlockProfile()); err != nil {
			return fmt.Errorf("failed to write block profile: %w", err)
		}

		if err := writeProfile(mutexProfile, args.GetMutexProfile()); err != nil {
			return fmt.Errorf("failed to write mutex profile: %w", err)
		}

		return nil
	}

	for _, sc := range scenarioCmds {
		cmd.AddCommand(newScenarioCmd(args, sc.name, sc.short))
	}
	cmd.AddCommand(newAllCmd(args))

	return cmd
}

func writeProfile(p *pprof.Profile, path string) error {
	if p == nil || path == "" {
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := p.WriteTo(f, 0); err != nil {
		must(f.Close())
		return err
	}

	return f.Close()
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
