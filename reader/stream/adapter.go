// Package stream keeps one realtime connection per broker alive and turns
// its frames into enriched events for the ingest sink.
//
// Snapshot rows from subscription refreshes are emitted from the refresh
// worker. Emission is serialized per batch: a frame's items and a snapshot's
// rows never interleave, and batches go out in the order they were received.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"brokerstream/config"
	"brokerstream/internal/jsonpath"
	"brokerstream/internal/template"
	"brokerstream/logger"
	"brokerstream/models"
	"brokerstream/processor"
	"brokerstream/reader/auth"
)

// State of the adapter's connection lifecycle.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink receives every event the adapter produces. Send must not block.
type Sink interface {
	Send(ctx context.Context, broker string, event any)
}

// Adapter drives one broker's stream: pre-steps, connect, subscriptions and
// the receive loop, reconnecting with backoff until stopped.
type Adapter struct {
	broker   config.BrokerConfig
	opts     config.StreamConfig
	session  *auth.Session
	enricher *processor.Enricher
	sink     Sink
	log      *logger.Log

	state   atomic.Int32
	refresh chan []models.ReferencePosition

	// held while a frame's items or a snapshot's rows are emitted
	emitMu sync.Mutex

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	transport Transport
	wg        *sync.WaitGroup
}

// NewAdapter wires an adapter for an authenticated session. It fails when
// the broker has no streaming section or its provider is not registered.
func NewAdapter(broker config.BrokerConfig, opts config.StreamConfig, session *auth.Session, refs processor.References, sink Sink) (*Adapter, error) {
	if !broker.Streaming.Enabled() {
		return nil, fmt.Errorf("broker %s has no streaming.ws.url", broker.Name)
	}
	if _, err := NewTransport(broker.Streaming.Provider, TransportOptions{}); err != nil {
		return nil, err
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	return &Adapter{
		broker:   broker,
		opts:     opts,
		session:  session,
		enricher: processor.NewEnricher(broker.Name, broker.Streaming.Frames, refs, session),
		sink:     sink,
		log:      logger.GetLogger(),
		refresh:  make(chan []models.ReferencePosition, 1),
		wg:       &sync.WaitGroup{},
	}, nil
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	return State(a.state.Load())
}

func (a *Adapter) setState(s State) {
	prev := State(a.state.Swap(int32(s)))
	if prev != s {
		a.log.WithBroker("stream", a.broker.Name).WithFields(logger.Fields{"from": prev.String(), "to": s.String()}).Debug("state change")
	}
}

// Start launches the stream goroutine.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("stream adapter for %s already running", a.broker.Name)
	}
	a.running = true
	ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	a.log.WithBroker("stream", a.broker.Name).WithFields(logger.Fields{"provider": a.broker.Streaming.Provider}).Info("starting stream adapter")
	a.wg.Add(1)
	go a.run(ctx)
	return nil
}

// Stop cancels the stream, closes the transport and waits for the loop.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	t := a.transport
	a.mu.Unlock()

	cancel()
	if t != nil {
		t.Close()
	}
	a.wg.Wait()
	a.setState(StateClosed)
	a.log.WithBroker("stream", a.broker.Name).Info("stream adapter stopped")
}

// Refresh hands the latest reference positions to the adapter without
// blocking. Only the newest set is kept; it is applied once Streaming.
func (a *Adapter) Refresh(positions []models.ReferencePosition) {
	select {
	case a.refresh <- positions:
		return
	default:
	}
	select {
	case <-a.refresh:
	default:
	}
	select {
	case a.refresh <- positions:
	default:
	}
}

func (a *Adapter) run(ctx context.Context) {
	defer a.wg.Done()
	defer a.setState(StateClosed)
	log := a.log.WithBroker("stream", a.broker.Name)

	rc := a.opts.Reconnect
	b := &backoff.Backoff{Min: rc.Min, Max: rc.Max, Factor: rc.Factor, Jitter: rc.Jitter}

	for {
		streamed, err := a.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if streamed {
			b.Reset()
		}
		wait := b.Duration()
		a.setState(StateReconnecting)
		logger.Increment(logger.CounterReconnects)
		log.WithError(err).WithFields(logger.Fields{"retry_in": wait.String(), "attempt": int(b.Attempt())}).Warn("stream interrupted, reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectOnce runs one full session. streamed reports whether the adapter
// reached Streaming before the error.
func (a *Adapter) connectOnce(ctx context.Context) (streamed bool, err error) {
	s := a.broker.Streaming
	log := a.log.WithBroker("stream", a.broker.Name)

	a.setState(StateConnecting)
	for i, step := range s.PreSteps {
		if _, err := a.session.RunStep(ctx, step, nil); err != nil {
			return false, fmt.Errorf("pre-step %d (%s): %w", i+1, step.Name, err)
		}
	}
	a.ensureContextID()

	url := template.Resolve(s.Ws.URL, a.session, nil)
	headers := http.Header{}
	for k, v := range template.RenderHeaders(s.Ws.Headers, a.session, nil) {
		headers.Set(k, v)
	}

	t, err := NewTransport(s.Provider, TransportOptions{PingInterval: a.opts.PingInterval})
	if err != nil {
		return false, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	err = t.Connect(connectCtx, url, headers)
	cancel()
	if err != nil {
		t.Close()
		return false, &TransportError{Broker: a.broker.Name, Op: "connect", Err: err}
	}
	a.setTransport(t)
	defer func() {
		a.setTransport(nil)
		t.Close()
	}()
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()
	log.Info("transport connected")

	a.setState(StateSubscribing)
	for i, msg := range s.Ws.Messages {
		payload, err := a.renderMessage(msg)
		if err != nil {
			return false, fmt.Errorf("render ws message %d: %w", i+1, err)
		}
		if err := t.Subscribe(ctx, payload); err != nil {
			return false, &TransportError{Broker: a.broker.Name, Op: "subscribe", Err: err}
		}
	}
	for i, step := range s.Subscriptions {
		res, err := a.session.RunStep(ctx, step, nil)
		if err != nil {
			return false, fmt.Errorf("subscription %d (%s): %w", i+1, step.Name, err)
		}
		a.ingestSnapshot(ctx, res.Doc)
	}

	a.setState(StateStreaming)
	log.WithFields(logger.Fields{"subscriptions": len(s.Subscriptions) + len(s.Ws.Messages)}).Info("streaming")

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	var refreshWG sync.WaitGroup
	refreshWG.Add(1)
	go func() {
		defer refreshWG.Done()
		a.refreshLoop(streamCtx)
	}()

	err = a.receive(ctx, t)
	cancelStream()
	refreshWG.Wait()
	return true, err
}

func (a *Adapter) setTransport(t Transport) {
	a.mu.Lock()
	a.transport = t
	a.mu.Unlock()
}

// ensureContextID guarantees a concrete ContextId variable for URL templates.
func (a *Adapter) ensureContextID() {
	cid := a.session.Vars.Get("ContextId")
	if strings.TrimSpace(cid) != "" && !strings.Contains(cid, "{{") {
		return
	}
	cid = "tv_" + template.NewGuid()
	a.session.Vars.Set("ContextId", cid)
	a.log.WithBroker("stream", a.broker.Name).WithFields(logger.Fields{"context_id": cid}).Info("generated context id")
}

func (a *Adapter) renderMessage(msg any) ([]byte, error) {
	if s, ok := msg.(string); ok {
		return []byte(template.Resolve(s, a.session, nil)), nil
	}
	return template.ResolveJSON(msg, a.session, nil)
}

func (a *Adapter) receive(ctx context.Context, t Transport) error {
	for {
		frame, err := t.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransportError{Broker: a.broker.Name, Op: "read", Err: err}
		}
		a.handleFrame(ctx, frame)
	}
}

// handleFrame processes one frame; decode failures are logged and counted.
func (a *Adapter) handleFrame(ctx context.Context, f Frame) {
	logger.Increment(logger.CounterFrames)
	logger.RecordChannelMessage("stream."+a.broker.Name, len(f.Data))

	switch f.Type {
	case FrameText:
		doc, err := jsonpath.Decode(f.Data)
		if err != nil {
			a.decodeFailed(&DecodeError{Broker: a.broker.Name, Err: err})
			return
		}
		a.handleDocument(ctx, jsonpath.SelectString(doc, "ReferenceId"), doc)
	case FrameBinary:
		envelopes, err := DecodeEnvelopes(f.Data)
		for _, e := range envelopes {
			doc, derr := e.Document()
			if derr != nil {
				a.decodeFailed(&DecodeError{Broker: a.broker.Name, ReferenceID: e.ReferenceID, Err: derr})
				continue
			}
			a.handleDocument(ctx, e.ReferenceID, doc)
		}
		if err != nil {
			a.decodeFailed(&DecodeError{Broker: a.broker.Name, Err: err})
		}
	}
}

func (a *Adapter) handleDocument(ctx context.Context, refID string, doc any) {
	if strings.HasPrefix(refID, "_") {
		a.log.WithBroker("stream", a.broker.Name).WithFields(logger.Fields{"reference_id": refID}).Debug("control message")
		return
	}
	if want := a.broker.Streaming.Frames.ReferenceID; want != "" {
		want = template.Resolve(want, a.session, nil)
		if !strings.EqualFold(refID, want) {
			a.decodeFailed(&DecodeError{Broker: a.broker.Name, ReferenceID: refID, Err: ErrReferenceMismatch})
			return
		}
	}

	items, ok := a.items(doc)
	if !ok {
		a.decodeFailed(&DecodeError{Broker: a.broker.Name, ReferenceID: refID,
			Err: fmt.Errorf("no item array at root or '%s'", a.broker.Streaming.Frames.DataArrayPath)})
		return
	}
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	for _, item := range items {
		a.emit(ctx, item)
	}
}

func (a *Adapter) items(doc any) ([]any, bool) {
	if arr, ok := doc.([]any); ok {
		return arr, true
	}
	v, ok := jsonpath.Select(doc, a.broker.Streaming.Frames.DataArrayPath)
	if !ok {
		return nil, false
	}
	arr, ok := v.([]any)
	return arr, ok
}

func (a *Adapter) ingestSnapshot(ctx context.Context, doc any) {
	if doc == nil {
		return
	}
	v, ok := jsonpath.Select(doc, a.broker.Streaming.Frames.SnapshotPath)
	if !ok {
		return
	}
	rows, ok := v.([]any)
	if !ok {
		return
	}
	a.log.WithBroker("stream", a.broker.Name).WithFields(logger.Fields{"rows": len(rows)}).Info("subscription snapshot")
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	for _, row := range rows {
		a.emit(ctx, row)
	}
}

func (a *Adapter) emit(ctx context.Context, item any) {
	logger.Increment(logger.CounterItems)
	doc, err := a.enricher.Process(item)
	if err != nil {
		logger.Increment(logger.CounterDroppedItems)
		if !errors.Is(err, processor.ErrNoDealID) {
			a.log.WithBroker("stream", a.broker.Name).WithError(err).Warn("item dropped")
		}
		return
	}
	a.sink.Send(ctx, a.broker.Name, doc)
}

func (a *Adapter) decodeFailed(err *DecodeError) {
	logger.Increment(logger.CounterDecodeErrors)
	a.log.WithBroker("stream", a.broker.Name).WithError(err).Debug("frame discarded")
}

// refreshLoop re-runs the refresh steps whenever the reference set changes.
func (a *Adapter) refreshLoop(ctx context.Context) {
	log := a.log.WithBroker("stream", a.broker.Name).WithFields(logger.Fields{"worker": "refresh"})
	for {
		select {
		case <-ctx.Done():
			return
		case positions := <-a.refresh:
			steps := a.broker.Streaming.RefreshSteps
			if len(steps) == 0 {
				continue
			}
			epics := make([]string, 0, len(positions))
			deals := make([]string, 0, len(positions))
			seen := map[string]bool{}
			for _, p := range positions {
				deals = append(deals, p.DealID)
				if p.Epic != "" && !seen[p.Epic] {
					seen[p.Epic] = true
					epics = append(epics, p.Epic)
				}
			}
			a.session.Vars.Set("Epics", strings.Join(epics, ","))
			a.session.Vars.Set("DealIds", strings.Join(deals, ","))

			for i, step := range steps {
				res, err := a.session.RunStep(ctx, step, nil)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.WithError(err).WithFields(logger.Fields{"step": i + 1, "name": step.Name}).Warn("refresh step failed")
					break
				}
				a.ingestSnapshot(ctx, res.Doc)
			}
			log.WithFields(logger.Fields{"positions": len(positions), "epics": len(epics)}).Info("subscriptions refreshed")
		}
	}
}
