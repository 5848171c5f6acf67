package utils

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Registered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.FrameReceived()
	m.FrameReceived()
	m.FrameSent()
	m.DecodeFailed()
	m.EncodeFailed()
	m.SendFailed()
	m.SetTrackedIDs(7)
	m.SetArmedRows(2)
	m.ObserveTick(0.001)

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"received", m.FramesReceived, 2},
		{"sent", m.FramesSent, 1},
		{"decode", m.DecodeFailures, 1},
		{"encode", m.EncodeFailures, 1},
		{"send", m.SendFailures, 1},
		{"tracked", m.TrackedIDs, 7},
		{"armed", m.ArmedRows, 2},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Fatalf("%s = %v, want %v", c.name, got, c.want)
		}
	}
	if n := testutil.CollectAndCount(m.TickDuration); n != 1 {
		t.Fatalf("tick histogram series = %d", n)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n != 8 {
		t.Fatalf("gathered %d families, %v", n, err)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.FrameReceived()
	m.FrameSent()
	m.DecodeFailed()
	m.EncodeFailed()
	m.SendFailed()
	m.SetTrackedIDs(1)
	m.SetArmedRows(1)
	m.ObserveTick(1)
}

func TestMetrics_UnregisteredStillCounts(t *testing.T) {
	m := NewMetrics(nil)
	m.FrameSent()
	if got := testutil.ToFloat64(m.FramesSent); got != 1 {
		t.Fatalf("sent = %v", got)
	}
}
