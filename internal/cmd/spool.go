package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/Alia5/vprinter/internal/spool"
)

// SpoolCommand groups commands that inspect the spool directory.
type SpoolCommand struct {
	List SpoolList `cmd:"" help:"List captured print jobs"`
}

// SpoolList prints every artifact in the spool directory.
type SpoolList struct {
	Dir string `help:"Spool directory" default:"." env:"VPRINTER_SPOOL_DIR"`

	out io.Writer
}

func (c *SpoolList) Run() error {
	dir, err := spool.Open(c.Dir)
	if err != nil {
		return err
	}
	entries, err := dir.List()
	if err != nil {
		return err
	}
	w := c.out
	if w == nil {
		w = os.Stdout
	}
	if len(entries) == 0 {
		_, err := fmt.Fprintf(w, "No print jobs in %s\n", dir.Path())
		return err
	}
	_, err = fmt.Fprintln(w, renderSpoolTable(entries))
	return err
}

func renderSpoolTable(entries []spool.Entry) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"File", "Size", "Modified"})

	var total int64
	for _, e := range entries {
		total += e.Size
		tw.AppendRow(table.Row{
			e.Name,
			humanize.IBytes(uint64(e.Size)),
			e.ModTime.Format("2006-01-02 15:04:05"),
		})
	}
	tw.AppendFooter(table.Row{fmt.Sprintf("%d jobs", len(entries)), humanize.IBytes(uint64(total)), ""})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}
