// Package reconcile polls each broker's REST positions, emits open and close
// lifecycle events and publishes the reference set used for enrichment.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"brokerstream/config"
	"brokerstream/internal/reference"
	"brokerstream/logger"
	"brokerstream/models"
	"brokerstream/reader/auth"
)

// FetchError is a failed base-position request. The previous reference set
// stays in place and the loop carries on.
type FetchError struct {
	Broker string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch base positions for %s: %v", e.Broker, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Sink receives lifecycle events.
type Sink interface {
	Send(ctx context.Context, broker string, event any)
	SendSnapshots(ctx context.Context, broker string, snapshots []models.Snapshot)
}

// Refresher is notified with every new reference set. It must not block.
type Refresher interface {
	Refresh(positions []models.ReferencePosition)
}

// Loop reconciles one broker on a fixed interval.
type Loop struct {
	broker   config.BrokerConfig
	session  *auth.Session
	store    *reference.Store
	sink     Sink
	interval time.Duration
	log      *logger.Log

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	refresher Refresher
	prev      map[string]models.ReferencePosition
	wg        *sync.WaitGroup
}

// NewLoop creates a loop; it does nothing until Start or Run.
func NewLoop(broker config.BrokerConfig, session *auth.Session, store *reference.Store, sink Sink, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Loop{
		broker:   broker,
		session:  session,
		store:    store,
		sink:     sink,
		interval: interval,
		log:      logger.GetLogger(),
		wg:       &sync.WaitGroup{},
	}
}

// SetRefresher installs the subscription refresh hook.
func (l *Loop) SetRefresher(r Refresher) {
	l.mu.Lock()
	l.refresher = r
	l.mu.Unlock()
}

// Start runs the loop in its own goroutine.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("reconciliation loop for %s already running", l.broker.Name)
	}
	l.running = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.Run(ctx)
	}()
	return nil
}

// Stop cancels the loop and waits for the current tick to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
	l.log.WithBroker("reconcile", l.broker.Name).Info("reconciliation loop stopped")
}

// Run reconciles immediately and then on every interval until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	log := l.log.WithBroker("reconcile", l.broker.Name).WithFields(logger.Fields{"interval": l.interval.String()})
	log.Info("starting reconciliation loop")

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		if err := l.Reconcile(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("reconciliation failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reconcile runs one cycle: fetch, diff, emit, swap, notify.
func (l *Loop) Reconcile(ctx context.Context) error {
	logger.Increment(logger.CounterReconcileRuns)
	log := l.log.WithBroker("reconcile", l.broker.Name)

	next, err := l.fetch(ctx)
	if err != nil {
		logger.Increment(logger.CounterReconcileErrors)
		return &FetchError{Broker: l.broker.Name, Err: err}
	}

	l.mu.Lock()
	prev := l.prev
	refresher := l.refresher
	l.mu.Unlock()

	closed, opened := Diff(prev, next)
	for _, p := range closed {
		log.WithFields(logger.Fields{"deal_id": p.DealID, "epic": p.Epic}).Info("position closed")
		l.sink.Send(ctx, l.broker.Name, p.Closed())
	}
	if len(opened) > 0 {
		snaps := make([]models.Snapshot, 0, len(opened))
		for _, p := range opened {
			snaps = append(snaps, p.Snapshot())
		}
		l.sink.SendSnapshots(ctx, l.broker.Name, snaps)
	}

	l.store.Swap(l.broker.Name, next)
	l.mu.Lock()
	l.prev = next
	l.mu.Unlock()

	if refresher != nil {
		refresher.Refresh(positionList(next))
	}

	logger.LogDataFlowEntry(log, "base_positions", "ingest", len(opened)+len(closed), "position_events")
	l.log.LogMetric("reconcile", "reference_positions", len(next), "gauge", logger.Fields{"broker": l.broker.Name})
	log.WithFields(logger.Fields{"positions": len(next), "opened": len(opened), "closed": len(closed)}).Info("reconciled")
	return nil
}

func (l *Loop) fetch(ctx context.Context) (map[string]models.ReferencePosition, error) {
	bp := l.broker.BasePositions
	var req config.RequestConfig
	if bp.Operation != "" {
		op, ok := l.broker.Operation(bp.Operation)
		if !ok {
			return nil, fmt.Errorf("operation '%s' not defined", bp.Operation)
		}
		req = op.Request()
	} else {
		req = config.RequestConfig{Method: bp.Method, AbsoluteURL: bp.URL, Headers: bp.Headers}
	}

	res, err := l.session.RunStep(ctx, config.StepConfig{Name: "basePositions", Request: req}, nil)
	if err != nil {
		return nil, err
	}
	if res.Doc == nil {
		return nil, fmt.Errorf("empty or non-json response")
	}

	positions, skipped, err := parsePositions(res.Doc, l.broker, l.account(), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		l.log.WithBroker("reconcile", l.broker.Name).WithFields(logger.Fields{"skipped": skipped}).Debug("rows without dealId skipped")
	}
	return positions, nil
}

func (l *Loop) account() string {
	if v, ok := l.session.Lookup("AccountId"); ok && v != "" {
		return v
	}
	return l.broker.Account
}
