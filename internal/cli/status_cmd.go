package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"orthobatch/internal/fsutil"
	"orthobatch/internal/report"
	"orthobatch/internal/status"
	"orthobatch/internal/storage"
)

func newStatusCmd(root *Root) *cobra.Command {
	var review bool

	cmd := &cobra.Command{
		Use:   "status [root]",
		Short: "Show the status of every project folder under root",
		Long: `Read the status file of each project folder and join it with what the
ledger last recorded. Use --review to list only folders that failed the
quality gate and need a person to look at them.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.openStore(); err != nil {
				return err
			}
			defer root.closeStore()
			return root.printStatus(root.rootArg(args), review)
		},
	}
	cmd.Flags().BoolVar(&review, "review", false, "only list folders that need review")
	return cmd
}

func (r *Root) printStatus(dir string, review bool) error {
	folders, err := fsutil.ListProjectFolders(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	tracker := status.NewTracker()
	colorize := shouldColorize(r.out)

	var rows [][]string
	counts := make(map[string]int)
	for _, folder := range folders {
		st, err := tracker.Current(folder)
		note := ""
		switch {
		case errors.Is(err, status.ErrNoSentinel):
			note = "untracked"
		case err != nil:
			note = err.Error()
		}
		if review && !st.NeedsReview() {
			continue
		}

		markers, pitch, raster := "", "", ""
		if r.store != nil {
			if rec, err := r.store.Project(folder); err == nil {
				markers = fmt.Sprint(rec.AssignedMarkers)
				pitch = angle(rec.AvgPitch)
				raster = filepath.Base(rec.RasterPath)
				if note == "" {
					note = rec.Reason
				}
			}
		}
		if st.Valid() {
			counts[st.String()]++
		} else {
			counts["untracked"]++
		}
		rows = append(rows, []string{filepath.Base(folder), colorStatus(st, colorize), markers, pitch, raster, note})
	}

	if len(rows) == 0 {
		fmt.Fprintln(r.out, "no matching project folders")
		return nil
	}
	fmt.Fprintln(r.out, renderTable([]string{"Folder", "Status", "Markers", "Pitch", "Raster", "Note"}, rows, 3, 4))
	for _, s := range status.All() {
		if n := counts[s.String()]; n > 0 {
			fmt.Fprintf(r.out, "%s: %d\n", s, n)
		}
	}
	if n := counts["untracked"]; n > 0 {
		fmt.Fprintf(r.out, "untracked: %d\n", n)
	}
	return nil
}

func newReportCmd(root *Root) *cobra.Command {
	var (
		out    string
		format string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export the project ledger as json, yaml or parquet",
		Long: `Write every recorded project with its status, gate measurements and raster
path. With --out the format follows the file extension; otherwise the report
goes to standard output in --format.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.cfg.Paths.DatabasePath == "" {
				return errors.New("report needs a ledger; set paths.database_path")
			}
			if err := root.openStore(); err != nil {
				return err
			}
			defer root.closeStore()

			recs, err := root.store.Projects()
			if err != nil {
				return err
			}
			return root.writeReport(recs, out, format)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (.json, .yaml or .parquet); relative names go under paths.report_dir")
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "format for standard output (json or yaml)")
	return cmd
}

func (r *Root) writeReport(recs []storage.ProjectRecord, out, format string) error {
	if out == "" {
		f, err := report.ParseFormat(format)
		if err != nil {
			return err
		}
		if f == report.FormatParquet {
			return errors.New("parquet needs --out")
		}
		return report.Write(r.out, f, recs)
	}
	if !filepath.IsAbs(out) && filepath.Dir(out) == "." && r.cfg.Paths.ReportDir != "" {
		out = filepath.Join(r.cfg.Paths.ReportDir, out)
	}
	if err := report.WriteFile(out, recs); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "wrote %d projects to %s\n", len(recs), out)
	return nil
}
