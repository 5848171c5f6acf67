package main

import (
	"strings"
	"testing"
	"time"

	"github.com/pterm/pterm"

	"wican-core/canmap"
	"wican-core/monitor"
	"wican-core/transmit"
	"wican-core/transport"
)

func TestRenderMonitor(t *testing.T) {
	pterm.DisableStyling()
	defer pterm.EnableStyling()

	cat, err := canmap.Load("../canmap/testdata/vehicle.dbc")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	agg := monitor.NewAggregator(cat, nil, nil)
	t0 := time.Unix(10, 0)
	agg.Observe(transport.Frame{ID: 0x123, Data: []byte{0x64, 0x00, 0x03, 0x28, 0, 0, 0, 0}, Timestamp: t0})
	agg.Observe(transport.Frame{ID: 0x123, Data: []byte{0x64, 0x00, 0x03, 0x28, 0, 0, 0, 0}, Timestamp: t0.Add(20 * time.Millisecond)})
	agg.Observe(transport.Frame{ID: 0x18DAF110, Extended: true, Data: []byte{0xAB}, Timestamp: t0})

	out, err := renderMonitor(agg)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"Vehicle", "Speed=10.00 km/h", "Gear=D", "Temperature=0.00 degC", "20.0 ms", "18DAF110", "AB"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
	if strings.Index(out, "123") > strings.Index(out, "18DAF110") {
		t.Fatalf("rows not in first-seen order:\n%s", out)
	}
}

func TestRenderArmed(t *testing.T) {
	pterm.DisableStyling()
	defer pterm.EnableStyling()

	cat, err := canmap.Load("../canmap/testdata/vehicle.dbc")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rows := []transmit.Row{{ID: 0x200, Slot: 3, Enabled: false, Values: map[string]string{"Torque": "-5", "Rpm": "1000"}}}
	out, err := renderArmed(rows, cat)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"Motor", "Rpm=1000, Torque=-5", "no"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
}
