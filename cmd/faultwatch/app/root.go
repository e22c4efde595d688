// Package app holds the faultwatch commands.
package app

import (
	"context"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
	"github.com/rinkhals-tools/faultwatch/internal/monitoring"
	"github.com/rinkhals-tools/faultwatch/internal/npu"
)

// MockDriver is the in-process accelerator used without a runtime library.
const MockDriver = "mock"

// synthetic embedding width of the mock driver
const mockDim = 64

func init() {
	npu.Register(MockDriver, func(string) (npu.Backend, error) {
		b := npu.NewMockBackend(0, 0, 0)
		b.HandleDefault(npu.Synthetic(mockDim))
		return b, nil
	})
}

// globalOptions are shared by every command.
type globalOptions struct {
	ModelsDir string
	Driver    string
	Debug     bool
}

func (o *globalOptions) addFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&o.ModelsDir, "models", envOr("FAULTWATCH_MODELS", "/useremain/home/rinkhals/models"),
		"Directory holding one subdirectory per model set")
	flags.StringVar(&o.Driver, "driver", envOr("FAULTWATCH_DRIVER", MockDriver), "Accelerator driver")
	flags.BoolVar(&o.Debug, "debug", envBool("FAULTWATCH_DEBUG", false), "Enable debug logging")
}

// backend probes the configured driver. Drivers other than the mock need a
// runtime library on one of the default paths.
func (o *globalOptions) backend(fsys fsutil.FileSystem) npu.Backend {
	var libs []string
	if o.Driver != MockDriver {
		libs = npu.DefaultLibraryPaths
	}
	return npu.Probe(fsys, o.Driver, libs)
}

// NewRootCommand builds the faultwatch command tree.
func NewRootCommand(ctx context.Context) *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "faultwatch",
		Short: "Visual print-fault detection for the printer camera",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			monitoring.SetDebug(opts.Debug)
		},
		SilenceUsage: true,
	}
	opts.addFlags(cmd)

	cmd.AddCommand(
		newRunCommand(ctx, opts),
		newModelsCommand(opts),
		newPrototypesCommand(ctx, opts),
		newDatasetCommand(),
		newMaskCommand(),
		newVersionCommand(),
	)
	return cmd
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
