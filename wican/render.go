package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"wican-core/canmap"
	"wican-core/monitor"
	"wican-core/transmit"
)

// renderMonitor formats the live table: one row per arbitration ID in
// first-seen order.
func renderMonitor(agg *monitor.Aggregator) (string, error) {
	data := pterm.TableData{{"ID", "Message", "DLC", "Data", "Period", "Count", "Signals"}}
	for e := range agg.Snapshot() {
		name := ""
		signals := ""
		if e.Decoded != nil {
			name = e.Decoded.Name
			signals = formatSignals(e.Decoded)
		}
		data = append(data, []string{
			formatID(e.ID, e.Extended),
			name,
			fmt.Sprint(len(e.Data)),
			fmt.Sprintf("% X", e.Data),
			formatPeriod(e.Stats),
			fmt.Sprint(e.Stats.Count),
			signals,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}

// renderArmed formats the transmit table.
func renderArmed(rows []transmit.Row, cat *canmap.Catalog) (string, error) {
	data := pterm.TableData{{"Slot", "ID", "Message", "On", "Values"}}
	for _, r := range rows {
		name := ""
		var order []string
		if cat != nil {
			if def, err := cat.Lookup(r.ID); err == nil {
				name = def.Name
				order = def.SignalNames()
			}
		}
		on := "no"
		if r.Enabled {
			on = "yes"
		}
		data = append(data, []string{
			fmt.Sprint(r.Slot),
			fmt.Sprintf("%X", r.ID),
			name,
			on,
			formatTexts(r.Values, order),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}

func formatID(id uint32, extended bool) string {
	if extended {
		return fmt.Sprintf("%08X", id)
	}
	return fmt.Sprintf("%03X", id)
}

func formatPeriod(s monitor.FrameStats) string {
	if !s.HasInterval {
		return "-"
	}
	return fmt.Sprintf("%.1f ms", float64(s.Interval)/float64(time.Millisecond))
}

func formatSignals(d *canmap.DecodedFrame) string {
	parts := make([]string, 0, len(d.Values))
	for _, v := range d.Values {
		s := v.Name + "=" + v.String()
		if !v.IsChoice() && v.Unit != "" {
			s += " " + v.Unit
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

func formatTexts(values map[string]string, order []string) string {
	parts := make([]string, 0, len(values))
	for _, name := range order {
		if v, ok := values[name]; ok {
			parts = append(parts, name+"="+v)
		}
	}
	return strings.Join(parts, ", ")
}
