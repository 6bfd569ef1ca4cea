package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"brokerstream/config"
	"brokerstream/internal/reference"
	"brokerstream/models"
	"brokerstream/reader/auth"
)

type recordingSink struct {
	mu     sync.Mutex
	events []map[string]any
}

func (s *recordingSink) Send(_ context.Context, _ string, event any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := event.(map[string]any); ok {
		s.events = append(s.events, m)
	}
}

func (s *recordingSink) dealIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		id, _ := e["dealId"].(string)
		out = append(out, id)
	}
	return out
}

func (s *recordingSink) find(dealID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e["dealId"] == dealID {
			return e
		}
	}
	return nil
}

type fakeBroker struct {
	srv           *httptest.Server
	subscriptions atomic.Int32
	connections   atomic.Int32
	closeFirst    bool

	mu         sync.Mutex
	contextIDs []string
	refreshes  []string
}

func newFakeBroker(t *testing.T, closeFirst bool) *fakeBroker {
	fb := &fakeBroker{closeFirst: closeFirst}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		fb.subscriptions.Add(1)
		w.Write([]byte(`{"Snapshot":{"Data":[{"PositionId":"D0"}]}}`))
	})
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		fb.refreshes = append(fb.refreshes, r.URL.Query().Get("deals"))
		fb.mu.Unlock()
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		n := fb.connections.Add(1)
		fb.mu.Lock()
		fb.contextIDs = append(fb.contextIDs, r.URL.Query().Get("contextId"))
		fb.mu.Unlock()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"ReferenceId":"pos","Data":[{"PositionId":"D1","Bid":1.5}]}`))
		if fb.closeFirst && n == 1 {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"ReferenceId":"_heartbeat","Heartbeats":[]}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"ReferenceId":"other","Data":[{"PositionId":"X1"}]}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		var frame []byte
		frame = append(frame, EncodeEnvelope(Envelope{MessageID: 1, ReferenceID: "pos", Payload: []byte(`{"Data":[{"PositionId":"D2"}]}`)})...)
		frame = append(frame, EncodeEnvelope(Envelope{MessageID: 2, ReferenceID: "pos", Payload: []byte(`{"Data":[]}`)})...)
		conn.WriteMessage(websocket.BinaryMessage, frame)
		conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02, 0x03})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	fb.srv = httptest.NewServer(mux)
	return fb
}

func (fb *fakeBroker) config() config.BrokerConfig {
	cfg := config.BrokerConfig{
		Name: "saxo",
		HTTP: config.HTTPConfig{BaseURL: fb.srv.URL},
		Vars: map[string]string{"AccessToken": "abc"},
		Streaming: config.StreamingConfig{
			Subscriptions: []config.StepConfig{{
				Name:    "positions",
				Request: config.RequestConfig{Method: "POST", Path: "/subscriptions", Body: map[string]any{"ContextId": "{{Vars.ContextId}}"}},
			}},
			RefreshSteps: []config.StepConfig{{
				Name:    "refresh",
				Request: config.RequestConfig{Path: "/refresh", Query: map[string]string{"deals": "{{Vars.DealIds}}"}},
			}},
			Ws: config.WsConfig{URL: "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/stream?contextId={{Vars.ContextId}}"},
			Frames: config.FramesConfig{
				ReferenceID: "pos",
				IngestTemplate: map[string]any{
					"type":   "tick",
					"dealId": "{{item.PositionId}}",
					"epic":   "{{item.DisplayAndFormat.Symbol}}",
					"bid":    "{{item.Bid}}",
				},
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func streamOptions() config.StreamConfig {
	return config.StreamConfig{
		ConnectTimeout: 2 * time.Second,
		Reconnect:      config.ReconnectConfig{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
	}
}

func referenceStore() *reference.Store {
	s := reference.NewStore()
	s.Swap("saxo", map[string]models.ReferencePosition{
		"D1": {Broker: "saxo", DealID: "D1", Epic: "EURUSD", Amount: decimal.NewFromInt(2), Currency: "USD"},
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAdapterStreamsTextAndBinaryFrames(t *testing.T) {
	fb := newFakeBroker(t, false)
	defer fb.srv.Close()
	cfg := fb.config()
	sink := &recordingSink{}

	a, err := NewAdapter(cfg, streamOptions(), auth.NewSession(cfg), referenceStore(), sink)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "three events", func() bool { return len(sink.dealIDs()) >= 3 })
	a.Stop()

	got := sink.dealIDs()
	want := []string{"D0", "D1", "D2"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	d1 := sink.find("D1")
	if d1["epic"] != "EURUSD" {
		t.Fatalf("expected merged epic, got %v", d1)
	}
	if d1["bid"] != json.Number("1.5") {
		t.Fatalf("expected numeric bid, got %#v", d1["bid"])
	}
	if d2 := sink.find("D2"); d2["epic"] != "" {
		t.Fatalf("merge miss must not invent an epic, got %v", d2)
	}

	fb.mu.Lock()
	cid := fb.contextIDs[0]
	fb.mu.Unlock()
	if !strings.HasPrefix(cid, "tv_") || len(cid) != 35 {
		t.Fatalf("unexpected context id %q", cid)
	}
	if a.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", a.State())
	}
}

func TestAdapterReconnectPreservesSubscriptions(t *testing.T) {
	fb := newFakeBroker(t, true)
	defer fb.srv.Close()
	cfg := fb.config()
	sink := &recordingSink{}

	a, err := NewAdapter(cfg, streamOptions(), auth.NewSession(cfg), referenceStore(), sink)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "second connection", func() bool { return fb.connections.Load() >= 2 })
	waitFor(t, "second subscription", func() bool { return fb.subscriptions.Load() >= 2 })
	waitFor(t, "D2 after reconnect", func() bool { return sink.find("D2") != nil })
	a.Stop()

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.contextIDs[0] != fb.contextIDs[1] {
		t.Fatalf("context id must survive reconnects: %v", fb.contextIDs)
	}
}

func TestAdapterRefreshAppliedWhenStreaming(t *testing.T) {
	fb := newFakeBroker(t, false)
	defer fb.srv.Close()
	cfg := fb.config()
	sink := &recordingSink{}

	a, err := NewAdapter(cfg, streamOptions(), auth.NewSession(cfg), referenceStore(), sink)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	a.Refresh([]models.ReferencePosition{{DealID: "OLD"}})
	a.Refresh([]models.ReferencePosition{{DealID: "D1", Epic: "EURUSD"}, {DealID: "D2", Epic: "EURUSD"}})

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "refresh request", func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		return len(fb.refreshes) > 0
	})
	a.Stop()

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.refreshes[0] != "D1,D2" {
		t.Fatalf("expected latest refresh D1,D2, got %v", fb.refreshes)
	}
}

func TestNewAdapterRejectsUnknownProvider(t *testing.T) {
	cfg := config.BrokerConfig{Name: "ig", Streaming: config.StreamingConfig{
		Provider: "Lightstreamer",
		Ws:       config.WsConfig{URL: "wss://push.example"},
	}}
	if _, err := NewAdapter(cfg, streamOptions(), auth.NewSession(cfg), nil, &recordingSink{}); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

type gatedSink struct {
	recordingSink
	onFirst func()
	once    sync.Once
}

func (s *gatedSink) Send(ctx context.Context, broker string, event any) {
	s.recordingSink.Send(ctx, broker, event)
	s.once.Do(s.onFirst)
}

func TestSnapshotRowsDoNotInterleaveWithFrames(t *testing.T) {
	fb := newFakeBroker(t, false)
	defer fb.srv.Close()
	cfg := fb.config()
	sink := &gatedSink{}

	a, err := NewAdapter(cfg, streamOptions(), auth.NewSession(cfg), referenceStore(), sink)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	frameDone := make(chan struct{})
	sink.onFirst = func() {
		go func() {
			defer close(frameDone)
			a.handleFrame(context.Background(), Frame{Type: FrameText, Data: []byte(`{"ReferenceId":"pos","Data":[{"PositionId":"F1"}]}`)})
		}()
		time.Sleep(50 * time.Millisecond)
	}

	a.ingestSnapshot(context.Background(), map[string]any{
		"Snapshot": map[string]any{"Data": []any{
			map[string]any{"PositionId": "S1"},
			map[string]any{"PositionId": "S2"},
		}},
	})
	<-frameDone

	got := strings.Join(sink.dealIDs(), ",")
	if got != "S1,S2,F1" {
		t.Fatalf("expected snapshot rows before frame items, got %s", got)
	}
}

func TestRenderMessageKeepsStrings(t *testing.T) {
	fb := newFakeBroker(t, false)
	defer fb.srv.Close()
	cfg := fb.config()
	cfg.Vars = map[string]string{"AccountId": "0042", "Active": "true"}

	a, err := NewAdapter(cfg, streamOptions(), auth.NewSession(cfg), nil, &recordingSink{})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	payload, err := a.renderMessage(map[string]any{"account": "{{Vars.AccountId}}", "active": "{{Vars.Active}}"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["account"] != "0042" || out["active"] != "true" {
		t.Fatalf("message strings re-typed: %s", payload)
	}
}
