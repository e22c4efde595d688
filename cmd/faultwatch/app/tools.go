package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rinkhals-tools/faultwatch/internal/api"
	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
	"github.com/rinkhals-tools/faultwatch/internal/modelset"
	"github.com/rinkhals-tools/faultwatch/internal/npu"
	"github.com/rinkhals-tools/faultwatch/internal/prototype"
	"github.com/rinkhals-tools/faultwatch/internal/regionmask"
	"github.com/rinkhals-tools/faultwatch/internal/timeutil"
)

func newModelsCommand(g *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the usable model sets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sets, err := modelset.NewCatalog(fsutil.OSFileSystem{}, g.ModelsDir).Scan()
			if err != nil {
				return err
			}
			return printModels(cmd.OutOrStdout(), sets, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func printModels(w io.Writer, sets []*modelset.ModelSet, asJSON bool) error {
	infos := make([]api.ModelSetInfo, 0, len(sets))
	for _, ms := range sets {
		infos = append(infos, api.Describe(ms))
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLABEL\tMODELS\tPROFILES")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Name, info.Label,
			strings.Join(info.Models, ","), strings.Join(info.Profiles, ","))
	}
	return tw.Flush()
}

func newPrototypesCommand(ctx context.Context, g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prototypes",
		Short: "Compute or activate class prototypes",
	}
	cmd.AddCommand(newComputeCommand(ctx, g), newActivateCommand(g))
	return cmd
}

func newComputeCommand(ctx context.Context, g *globalOptions) *cobra.Command {
	var req prototype.Request
	var mode string
	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Compute prototypes from a labelled dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := prototype.ParseMode(mode)
			if err != nil {
				return err
			}
			req.Mode = m
			if req.Output == "" && req.Dataset != "" {
				req.Output = prototype.DefaultOutput(req.Dataset, req.ModelSet)
			}
			if err := req.Validate(); err != nil {
				return err
			}

			fsys := fsutil.OSFileSystem{}
			clock := timeutil.RealClock{}
			backend := g.backend(fsys)
			if !backend.Available() {
				return fmt.Errorf("accelerator unavailable")
			}
			svc := prototype.NewService(fsys, modelset.NewCatalog(fsys, g.ModelsDir), npu.NewRunner(backend, clock), nil, clock)
			meta, err := svc.Compute(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s (%s)\n", meta.RunID, meta.Mode)
			for _, k := range modelset.Kinds {
				st, ok := meta.Models[k.String()]
				if !ok {
					continue
				}
				fmt.Fprintf(out, "  %-15s dim=%d fault=%d ok=%d cos=%.3f margin=%.3f\n", k, st.Dim,
					st.Counts[prototype.ClassFault], st.Counts[prototype.ClassOK],
					st.Separation.Cosine, st.Separation.Margin)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.Dataset, "dataset", "", "Dataset root with fault/ and ok/ subdirectories")
	flags.StringVar(&req.ModelSet, "model-set", "", "Model set whose encoders embed the images")
	flags.StringVar(&req.Output, "output", "", "Prototype set directory to write (default <dataset>/prototypes/<model-set>)")
	flags.StringVar(&mode, "mode", string(prototype.ModeFull), "full or incremental")
	return cmd
}

func newActivateCommand(g *globalOptions) *cobra.Command {
	var dir, setName string
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Copy a computed prototype set into its model set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys := fsutil.OSFileSystem{}
			ms, err := modelset.NewCatalog(fsys, g.ModelsDir).Open(setName)
			if err != nil {
				return err
			}
			kinds, err := prototype.Activate(fsys, dir, ms)
			if err != nil {
				return err
			}
			for _, k := range kinds {
				fmt.Fprintf(cmd.OutOrStdout(), "activated %s\n", k)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Prototype set directory")
	cmd.Flags().StringVar(&setName, "model-set", "", "Target model set")
	_ = cmd.MarkFlagRequired("dir")
	_ = cmd.MarkFlagRequired("model-set")
	return cmd
}

func newDatasetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Manage labelled capture datasets",
	}
	var root, class string
	add := &cobra.Command{
		Use:   "add FILE...",
		Short: "Add images to a class, skipping ones already recorded",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := prototype.ParseClass(class)
			if err != nil {
				return err
			}
			fsys := fsutil.OSFileSystem{}
			ds := prototype.NewDataset(fsys, root)
			for _, path := range args {
				data, err := fsys.ReadFile(path)
				if err != nil {
					return err
				}
				name, added, err := ds.Add(c, data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if added {
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", path, name)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s duplicate of %s\n", path, name)
				}
			}
			return nil
		},
	}
	add.Flags().StringVar(&root, "dataset", "", "Dataset root")
	add.Flags().StringVar(&class, "class", "", "fault or ok")
	_ = add.MarkFlagRequired("dataset")
	_ = add.MarkFlagRequired("class")
	cmd.AddCommand(add)
	return cmd
}

func newMaskCommand() *cobra.Command {
	var rows, cols int
	cmd := &cobra.Command{
		Use:   "mask X,Y X,Y X,Y...",
		Short: "Print the hex region mask of a normalized bed outline",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			poly, err := parsePolygon(args)
			if err != nil {
				return err
			}
			if rows <= 0 || cols <= 0 || rows*cols > regionmask.Bits {
				return fmt.Errorf("grid %dx%d exceeds %d cells", rows, cols, regionmask.Bits)
			}
			m := regionmask.FromPolygon(rows, cols, poly)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", m.Hex())
			return nil
		},
	}
	cmd.Flags().IntVar(&rows, "rows", regionmask.DefaultRows, "Grid rows")
	cmd.Flags().IntVar(&cols, "cols", regionmask.DefaultCols, "Grid columns")
	return cmd
}

func parsePolygon(args []string) ([]regionmask.Point, error) {
	poly := make([]regionmask.Point, 0, len(args))
	for _, a := range args {
		xs, ys, ok := strings.Cut(a, ",")
		if !ok {
			return nil, fmt.Errorf("point %q: want X,Y", a)
		}
		x, err := strconv.ParseFloat(xs, 64)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", a, err)
		}
		y, err := strconv.ParseFloat(ys, 64)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", a, err)
		}
		if x < 0 || x > 1 || y < 0 || y > 1 {
			return nil, fmt.Errorf("point %q: coordinates must be in [0, 1]", a)
		}
		poly = append(poly, regionmask.Point{X: x, Y: y})
	}
	return poly, nil
}
