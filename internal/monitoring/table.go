package monitoring

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/LuizEdCard/gridbot/internal/grid"
)

// RenderStatusTable writes the console portfolio view: one row per
// worker plus a totals footer.
func RenderStatusTable(w io.Writer, statuses []grid.Status) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Symbol", "Venue", "State", "Center", "Spacing", "Levels", "Orders", "Position", "Entry", "Realized PnL"})

	totalPnL := 0.0
	totalOrders := 0
	for _, st := range statuses {
		pos := "flat"
		entry := "-"
		if st.Position.Size > 0 {
			pos = fmt.Sprintf("%s %.4f", st.Position.Side, st.Position.Size)
			entry = fmt.Sprintf("%.2f", st.Position.EntryPrice)
		}
		t.AppendRow(table.Row{
			st.Symbol,
			st.Venue,
			st.State,
			fmt.Sprintf("%.2f", st.Center),
			fmt.Sprintf("%.3f%%", st.Spacing*100),
			st.GridLevels,
			st.LiveOrders,
			pos,
			entry,
			fmt.Sprintf("%+.2f", st.RealizedPnL),
		})
		totalPnL += st.RealizedPnL
		totalOrders += st.LiveOrders
	}
	t.AppendFooter(table.Row{"total", "", "", "", "", "", totalOrders, "", "", fmt.Sprintf("%+.2f", totalPnL)})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Realized PnL", Align: text.AlignRight},
		{Name: "Orders", Align: text.AlignRight},
	})
	t.Render()
}
