package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rinkhals-tools/faultwatch/internal/api"
	"github.com/rinkhals-tools/faultwatch/internal/config"
	"github.com/rinkhals-tools/faultwatch/internal/detect"
	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
	"github.com/rinkhals-tools/faultwatch/internal/history"
	"github.com/rinkhals-tools/faultwatch/internal/modelset"
	"github.com/rinkhals-tools/faultwatch/internal/monitoring"
	"github.com/rinkhals-tools/faultwatch/internal/npu"
	"github.com/rinkhals-tools/faultwatch/internal/preprocess"
	"github.com/rinkhals-tools/faultwatch/internal/prototype"
	"github.com/rinkhals-tools/faultwatch/internal/timeutil"
)

const shutdownTimeout = 5 * time.Second

type runOptions struct {
	ConfigPath  string
	HistoryPath string
	Retain      int
	Listen      string
	FramesDir   string
	FramePoll   time.Duration
	DataRoots   []string
}

func (o *runOptions) addFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&o.ConfigPath, "config", envOr("FAULTWATCH_CONFIG", "faultwatch.json"),
		"Detection config file; created on the first change when missing")
	flags.StringVar(&o.HistoryPath, "history", envOr("FAULTWATCH_HISTORY", "faultwatch.db"),
		"SQLite event log; empty disables it")
	flags.IntVar(&o.Retain, "retain", history.DefaultRetain, "Events kept in the log")
	flags.StringVar(&o.Listen, "listen", envOr("FAULTWATCH_LISTEN", ":8090"),
		"Address of the status API and /metrics; empty disables it")
	flags.StringVar(&o.FramesDir, "frames", envOr("FAULTWATCH_FRAMES", ""),
		"Directory of JPEG stills replayed as camera frames")
	flags.DurationVar(&o.FramePoll, "frame-poll", 100*time.Millisecond, "How often the frame feeder checks for requests")
	flags.StringSliceVar(&o.DataRoots, "data-root", strings.Split(envOr("FAULTWATCH_DATA_ROOTS", "/useremain/home/rinkhals"), ","),
		"Directories that prototype requests may read and write")
}

func (o *runOptions) validate() error {
	if o.ConfigPath != "" && filepath.Ext(o.ConfigPath) != ".json" {
		return fmt.Errorf("--config must name a .json file")
	}
	if o.FramePoll <= 0 {
		return fmt.Errorf("--frame-poll must be positive")
	}
	if o.Retain < 0 {
		return fmt.Errorf("--retain must not be negative")
	}
	return nil
}

func newRunCommand(ctx context.Context, g *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the detection engine with its status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			return Run(ctx, g, opts)
		},
	}
	opts.addFlags(cmd)
	return cmd
}

func loadConfig(fsys fsutil.FileSystem, path string) (config.DetectionConfig, error) {
	if path == "" || !fsys.Exists(path) {
		return config.DefaultDetectionConfig(), nil
	}
	return config.LoadDetectionConfig(path)
}

// Run wires the engine and blocks until ctx is cancelled.
func Run(ctx context.Context, g *globalOptions, opts *runOptions) error {
	fsys := fsutil.OSFileSystem{}
	cfg, err := loadConfig(fsys, opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if g.Debug {
		cfg.DebugLogging = true
	}

	clock := timeutil.RealClock{}
	backend := g.backend(fsys)
	catalog := modelset.NewCatalog(fsys, g.ModelsDir)
	pipeline := preprocess.NewPipeline(nil).WithClock(clock)

	schedOpts := detect.Options{
		Backend:    backend,
		Models:     catalog,
		Pipeline:   pipeline,
		Clock:      clock,
		Memory:     monitoring.SystemMemory{},
		Alerter:    detect.AlertFunc(func(p int) { monitoring.Logf("[Alert] fault alert, pattern %d", p) }),
		Prototypes: prototype.NewService(fsys, catalog, npu.NewRunner(backend, clock), pipeline, clock),
	}
	srv := &api.Server{
		Catalog:    catalog,
		DataRoots:  opts.DataRoots,
		ConfigPath: opts.ConfigPath,
		FS:         fsys,
	}

	if opts.HistoryPath != "" {
		store, err := history.Open(opts.HistoryPath)
		if err != nil {
			return fmt.Errorf("failed to open history: %w", err)
		}
		defer store.Close()
		store.Retain = opts.Retain
		schedOpts.Recorder = store
		srv.History = store
	}

	sched := detect.NewScheduler(schedOpts)
	sched.SetConfig(cfg)

	var feeder *frameFeeder
	if opts.FramesDir != "" {
		if feeder, err = newFrameFeeder(fsys, opts.FramesDir, sched, clock); err != nil {
			return err
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	srv.Detector = sched

	group.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	if feeder != nil {
		group.Go(func() error {
			return feeder.run(gctx, opts.FramePoll)
		})
	}

	if opts.Listen != "" {
		server := &http.Server{
			Addr:              opts.Listen,
			Handler:           api.LoggingMiddleware(srv.ServeMux()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			monitoring.Logf("[API] listening on %s", opts.Listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				monitoring.Logf("[API] shutdown error: %v", err)
				return server.Close()
			}
			return nil
		})
	}

	err = group.Wait()
	monitoring.Logf("[FaultDetect] exiting")
	return err
}
