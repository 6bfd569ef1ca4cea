package writer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	appconfig "brokerstream/config"
	"brokerstream/internal/channel"
	"brokerstream/models"
)

type ingestRecorder struct {
	mu     sync.Mutex
	bodies []string
	keys   []string
	types  []string
}

func (r *ingestRecorder) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		b, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, string(b))
		r.keys = append(r.keys, req.Header.Get("X-INGEST-KEY"))
		r.types = append(r.types, req.Header.Get("Content-Type"))
		r.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(`{"error":"nope"}`))
	}
}

func TestIngestWriterSend(t *testing.T) {
	rec := &ingestRecorder{}
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	tap := channel.NewChannels(8)
	w := NewIngestWriter(appconfig.IngestConfig{URL: srv.URL, Key: "secret"}, tap)
	ctx := context.Background()

	w.Send(ctx, "ig", models.Closed{Type: models.TypeClosed, Broker: "ig", DealID: "D1", Epic: "E"})
	w.SendSnapshots(ctx, "ig", []models.Snapshot{
		{Type: models.TypeSnapshot, DealID: "D2", Size: 1},
		{Type: models.TypeSnapshot, DealID: "D3", Size: 2},
	})
	w.SendSnapshots(ctx, "ig", nil)
	w.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.bodies) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(rec.bodies))
	}
	for i := range rec.keys {
		if rec.keys[i] != "secret" || rec.types[i] != "application/json" {
			t.Fatalf("unexpected headers key=%q type=%q", rec.keys[i], rec.types[i])
		}
	}
	var sawArray bool
	for _, body := range rec.bodies {
		var arr []models.Snapshot
		if json.Unmarshal([]byte(body), &arr) == nil {
			sawArray = true
			if len(arr) != 2 || arr[0].DealID != "D2" || arr[1].DealID != "D3" {
				t.Fatalf("unexpected snapshot batch %s", body)
			}
		}
	}
	if !sawArray {
		t.Fatalf("snapshots must be posted as one array: %v", rec.bodies)
	}

	if got := tap.GetStats().EventsSent; got != 3 {
		t.Fatalf("expected 3 tapped events, got %d", got)
	}
	first := <-tap.Events
	if first.Type != models.TypeClosed || first.DealID != "D1" || first.Broker != "ig" {
		t.Fatalf("unexpected tapped record %+v", first)
	}
}

func TestIngestWriterPostStatusError(t *testing.T) {
	rec := &ingestRecorder{}
	srv := httptest.NewServer(rec.handler(http.StatusForbidden))
	defer srv.Close()

	w := NewIngestWriter(appconfig.IngestConfig{URL: srv.URL, Key: "bad", Timeout: time.Second}, nil)
	err := w.Post(context.Background(), map[string]any{"dealId": "D1"})
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if de.Code != http.StatusForbidden || de.Snippet != `{"error":"nope"}` {
		t.Fatalf("unexpected delivery error %+v", de)
	}
}

func TestIngestWriterPostUnreachable(t *testing.T) {
	w := NewIngestWriter(appconfig.IngestConfig{URL: "http://127.0.0.1:1/ingest", Timeout: time.Second}, nil)
	err := w.Post(context.Background(), map[string]any{"dealId": "D1"})
	var de *DeliveryError
	if !errors.As(err, &de) || de.Err == nil {
		t.Fatalf("expected transport DeliveryError, got %v", err)
	}
}
