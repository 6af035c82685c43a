package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"orthobatch/internal/batch"
	"orthobatch/internal/status"
)

func renderTable(headers []string, rows [][]string, rightAligned ...int) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range headers {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, len(rightAligned))
	for _, col := range rightAligned {
		configs = append(configs, table.ColumnConfig{Number: col, Align: text.AlignRight, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func colorStatus(s status.Status, colorize bool) string {
	name := "-"
	if s.Valid() {
		name = s.String()
	}
	if !colorize {
		return name
	}
	switch {
	case s == status.Complete:
		return text.Colors{text.FgGreen}.Sprint(name)
	case s == status.Processing:
		return text.Colors{text.FgBlue}.Sprint(name)
	case s.NeedsReview():
		return text.Colors{text.FgYellow}.Sprint(name)
	case s == status.ExportError:
		return text.Colors{text.FgRed}.Sprint(name)
	default:
		return name
	}
}

func angle(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func renderOutcomes(outcomes []batch.Outcome, colorize bool) string {
	if len(outcomes) == 0 {
		return "no project folders found"
	}
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		state := colorStatus(o.Status, colorize)
		note := o.Reason
		switch {
		case o.Skipped != "":
			state = "skipped"
			note = o.Skipped
		case o.Err != nil && !o.Status.Terminal():
			note = o.Err.Error()
		}
		yaw, pitch, roll := "", "", ""
		if o.Average != nil {
			yaw, pitch, roll = angle(o.Average.Yaw), angle(o.Average.Pitch), angle(o.Average.Roll)
		}
		rows = append(rows, []string{
			filepath.Base(o.Folder),
			state,
			fmt.Sprint(o.AssignedMarkers),
			yaw, pitch, roll,
			angle(o.RemovedPitch),
			o.Duration.Round(time.Second).String(),
			note,
		})
	}
	return renderTable(
		[]string{"Folder", "Status", "Markers", "Yaw", "Pitch", "Roll", "Tilt removed", "Took", "Note"},
		rows, 3, 4, 5, 6, 7, 8,
	)
}
