package channel

import (
	"context"
	"testing"
	"time"

	"brokerstream/models"
)

func TestSendEventDropsWhenFull(t *testing.T) {
	c := NewChannels(1)
	ctx := context.Background()
	if !c.SendEvent(ctx, models.EventRecord{DealID: "D1"}) {
		t.Fatalf("first send should succeed")
	}
	if c.SendEvent(ctx, models.EventRecord{DealID: "D2"}) {
		t.Fatalf("second send should be dropped")
	}
	stats := c.GetStats()
	if stats.EventsSent != 1 || stats.EventsDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if rec := <-c.Events; rec.DealID != "D1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestChannelsStartAndClose(t *testing.T) {
	c := NewChannels(1)
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	c.Close()
	c.Close()
}
