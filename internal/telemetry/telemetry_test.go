package telemetry

import (
	"testing"
	"time"
)

func TestCollectorDisabled(t *testing.T) {
	c := NewCollector(false)
	c.Counter("minionctl_hosts", 1, nil)
	if n := len(c.GetMetrics()); n != 0 {
		t.Fatalf("expected no metrics, got %d", n)
	}
	var nilCollector *Collector
	nilCollector.Timer("minionctl_host_duration", time.Second, nil)
	nilCollector.Flush()
}

func TestCollectorTotalsAndFlush(t *testing.T) {
	c := NewCollector(true)
	c.Counter("minionctl_hosts", 1, map[string]string{"status": "succeeded"})
	c.Counter("minionctl_hosts", 1, map[string]string{"status": "failed"})
	c.Timer("minionctl_host_duration", 1500*time.Millisecond, nil)

	metrics := c.GetMetrics()
	if len(metrics) != 3 {
		t.Fatalf("expected 3 metrics, got %d", len(metrics))
	}
	if metrics[2].Value != 1500 || metrics[2].Unit != "ms" {
		t.Fatalf("unexpected timer %+v", metrics[2])
	}
	if got := c.Totals()["minionctl_hosts"]; got != 2 {
		t.Fatalf("expected 2 hosts, got %v", got)
	}
	c.Flush()
	if n := len(c.GetMetrics()); n != 0 {
		t.Fatalf("flush should clear metrics, %d left", n)
	}
}
