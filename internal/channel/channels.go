// Package channel holds the event tap that fans ingested events out to the
// archive without ever blocking the ingest path.
package channel

import (
	"context"
	"sync"
	"time"

	"brokerstream/logger"
	"brokerstream/models"
)

type ChannelStats struct {
	EventsSent    int64
	EventsDropped int64
}

type Channels struct {
	Events chan models.EventRecord

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(eventBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Events: make(chan models.EventRecord, eventBufferSize),
		log:    log,
	}

	log.WithComponent("event_channels").WithFields(logger.Fields{
		"event_buffer_size": eventBufferSize,
	}).Info("event channels initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Events)
		c.log.WithComponent("event_channels").Info("event channels closed")
	})
}

// SendEvent offers rec to the tap. A full buffer drops the record.
func (c *Channels) SendEvent(ctx context.Context, rec models.EventRecord) bool {
	select {
	case c.Events <- rec:
		c.statsMutex.Lock()
		c.stats.EventsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.EventsDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting logs channel stats every interval until ctx ends.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := c.GetStats()
				c.log.WithComponent("event_channels").WithFields(logger.Fields{
					"events_sent":    stats.EventsSent,
					"events_dropped": stats.EventsDropped,
					"channel_len":    len(c.Events),
					"channel_cap":    cap(c.Events),
				}).Info("channel statistics")
			}
		}
	}()
}
