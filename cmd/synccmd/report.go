package synccmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/tphakala/birdnet-sync/internal/syncer"
)

var reportHeaders = []string{
	"STATION", "PHASE", "SCOPE", "READ", "INSERT", "UPDATE", "REMOVE", "QUARANTINE", "DUPLICATE", "UNCHANGED",
}

// renderDryRun prints what each station's run would have written.
func renderDryRun(w io.Writer, outcomes []*syncer.Outcome) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(reportHeaders...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := lipgloss.NewStyle().Padding(0, 1)
			switch {
			case row == table.HeaderRow:
				return style.Bold(true)
			case col >= 3:
				return style.Align(lipgloss.Right)
			}
			return style
		})

	for _, o := range outcomes {
		if o.Err != nil {
			t.Row(o.Station, "error", o.Err.Error(), "", "", "", "", "", "", "")
			continue
		}
		for _, p := range o.Phases {
			t.Row(o.Station, p.Name, p.Scope,
				strconv.Itoa(p.Read),
				strconv.Itoa(p.Inserted),
				strconv.Itoa(p.Updated),
				strconv.Itoa(p.Removed),
				strconv.Itoa(p.Quarantined),
				strconv.Itoa(p.Duplicates),
				strconv.Itoa(p.Unchanged))
		}
	}

	if _, err := fmt.Fprintln(w, t.Render()); err != nil {
		return err
	}

	for _, o := range outcomes {
		if o.Err != nil {
			continue
		}
		line := fmt.Sprintf("%s: cursor would move to %d", o.Station, o.Cursor)
		if o.Resynced {
			line += " after a cursor reset"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
