package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/schoolmap/internal/runlog"
	"github.com/sells-group/schoolmap/internal/trainingset"
)

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List saved training sets and recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		p, cleanup, err := newPipeline(ctx, pipelineOptions{retries: 1})
		if err != nil {
			return err
		}
		defer cleanup()

		w, err := p.Writer(ctx)
		if err != nil {
			return err
		}
		manifests, err := w.Manifests()
		if err != nil {
			return eris.Wrap(err, "versions")
		}
		if len(manifests) == 0 {
			_, _ = fmt.Fprintf(os.Stderr, "No training sets in %s.\n", w.Dir())
		} else {
			formatVersions(os.Stdout, manifests)
		}

		rl, err := openRunLog(ctx)
		if err != nil || rl == nil {
			return err
		}
		defer rl.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("runs")
		runs, err := rl.ListRuns(ctx, runlog.RunFilter{Country: cfg.Country, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "versions: list runs")
		}
		if len(runs) > 0 {
			_, _ = fmt.Fprintln(os.Stdout)
			formatRuns(os.Stdout, runs)
		}
		return nil
	},
}

func init() {
	versionsCmd.Flags().Int("runs", 10, "number of recent runs to show when a run log is configured")
	rootCmd.AddCommand(versionsCmd)
}

// formatVersions writes a tabular list of training sets to w.
func formatVersions(out io.Writer, manifests []trainingset.Manifest) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tFILE\tROWS\tCOLUMNS\tFEATURES\tCREATED")
	_, _ = fmt.Fprintln(w, "-------\t----\t----\t-------\t--------\t-------")
	for _, m := range manifests {
		created := ""
		if !m.CreatedAt.IsZero() {
			created = m.CreatedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%03d\t%s\t%d\t%d\t%s\t%s\n",
			m.Version,
			m.File,
			m.Rows,
			len(m.Columns),
			strings.Join(m.Features, ","),
			created,
		)
	}
	_ = w.Flush()
}

// formatRuns writes a tabular list of runs to w.
func formatRuns(out io.Writer, runs []runlog.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOUNTRY\tSTATUS\tVERSION\tSTARTED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t-------\t-------\t--------\t-----")

	for _, r := range runs {
		dur := ""
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		version := ""
		if r.Version > 0 {
			version = fmt.Sprintf("%03d", r.Version)
		}
		errMsg := r.Error
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Country,
			r.Status,
			version,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			errMsg,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
