package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	appconfig "brokerstream/config"
	"brokerstream/internal/channel"
	"brokerstream/logger"
	"brokerstream/models"
)

// DeliveryError is a failed POST to the ingest endpoint.
type DeliveryError struct {
	Code    int
	Snippet string
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ingest delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("ingest delivery failed with status %d: %s", e.Code, e.Snippet)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IngestWriter posts events to the downstream sink. Send and SendSnapshots
// return immediately; failures are logged and counted, never retried.
type IngestWriter struct {
	url    string
	key    string
	client *http.Client
	tap    *channel.Channels
	wg     *sync.WaitGroup
	log    *logger.Log
}

// NewIngestWriter creates the sink client. tap may be nil.
func NewIngestWriter(cfg appconfig.IngestConfig, tap *channel.Channels) *IngestWriter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &IngestWriter{
		url:    cfg.URL,
		key:    cfg.Key,
		client: &http.Client{Timeout: timeout},
		tap:    tap,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

// Send posts one event in the background.
func (w *IngestWriter) Send(ctx context.Context, broker string, event any) {
	w.offer(ctx, broker, event)
	w.async(ctx, broker, 1, event)
}

// SendSnapshots posts a batch of snapshots as one JSON array.
func (w *IngestWriter) SendSnapshots(ctx context.Context, broker string, snapshots []models.Snapshot) {
	if len(snapshots) == 0 {
		return
	}
	for _, s := range snapshots {
		w.offer(ctx, broker, s)
	}
	w.async(ctx, broker, len(snapshots), snapshots)
}

func (w *IngestWriter) async(ctx context.Context, broker string, count int, body any) {
	// deliveries outlive a cancelled caller; Wait drains them on shutdown
	ctx = context.WithoutCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.Post(ctx, body); err != nil {
			logger.Increment(logger.CounterSinkFailures)
			w.log.WithBroker("ingest_writer", broker).WithError(err).WithFields(logger.Fields{"events": count}).Warn("ingest post failed")
			return
		}
		logger.Add(logger.CounterEventsSent, count)
	}()
}

// Post sends body synchronously.
func (w *IngestWriter) Post(ctx context.Context, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("encode event: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return &DeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-INGEST-KEY", w.key)

	resp, err := w.client.Do(req)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	logger.RecordChannelMessage("ingest", len(payload))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &DeliveryError{Code: resp.StatusCode, Snippet: strings.TrimSpace(string(b))}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Wait blocks until every background delivery has finished.
func (w *IngestWriter) Wait() {
	w.wg.Wait()
}

func (w *IngestWriter) offer(ctx context.Context, broker string, event any) {
	if w.tap == nil {
		return
	}
	rec, err := models.NewEventRecord(broker, event)
	if err != nil {
		return
	}
	if !w.tap.SendEvent(ctx, rec) && ctx.Err() == nil {
		w.log.WithBroker("ingest_writer", broker).Debug("event tap full, archive record dropped")
	}
}
