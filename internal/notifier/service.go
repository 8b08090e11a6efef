package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"spidersched/internal/eventbus"
	rtsup "spidersched/internal/runtime/supervisor"
	"spidersched/internal/storage"
	"spidersched/internal/task/engine"
	logx "spidersched/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 100

// Service implements the alert pipeline:
// bus subscription + dedup + bounded queue + rate limited sender with retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	sender Sender

	cfg     Config
	limiter *rate.Limiter

	queue chan Alert
	sup   *rtsup.Supervisor

	now func() time.Time

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		bus:    bus,
		store:  store,
		sender: sender,
		now:    time.Now,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Enabled reports whether alerts are configured and a sender is available.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil && s.bus != nil
}

// Supervisor returns the notifier's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetSender swaps the delivery channel (nil disables delivery).
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	s.cfg = cfg
	burst := max(int(cfg.RatePerSec), 1)
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

// Start subscribes to the bus and starts the sender loop. Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Alert, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Alerting is best-effort and must not take down the app.
		rtsup.WithCancelOnError(false),
	)
	sup, q := s.sup, s.queue
	s.mu.Unlock()

	events, unsub := s.bus.Subscribe(256)
	sup.Go0("notifier.listen", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if a, ok := alertFromEvent(e); ok {
					_ = s.Notify(c, a)
				}
			}
		}
	})
	sup.GoRestart("notifier.send", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return c.Err()
			case a := <-q:
				s.sendWithRetry(c, a)
			}
		}
	}, rtsup.WithPublishFirstError(true))
	s.log.Info("notifier started")
}

// Stop cancels the listener and sender. Queued alerts are discarded.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.queue = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("notifier stop incomplete", logx.Err(err))
	}
}

// Notify queues an alert unless it is suppressed by the dedup window.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	q := s.queue
	window := s.cfg.DedupWindow
	persist := s.cfg.PersistDedup && s.store != nil
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}

	if window > 0 && !s.dedupAllow(ctx, dedupKey(a), window, persist) {
		s.log.Debug("alert suppressed", logx.String("key", a.Key), logx.String("reason", a.Reason))
		return nil
	}

	select {
	case q <- a:
		return nil
	default:
		s.log.Warn("alert dropped (queue full)", logx.String("key", a.Key), logx.String("type", a.Type))
		return ErrQueueFull
	}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) sendWithRetry(ctx context.Context, a Alert) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	text := Format(a)
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sender.Send(callCtx, text)
		cancel()
		if err == nil {
			s.appendHistory(HistoryItem{At: s.now(), Text: text})
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.appendHistory(HistoryItem{At: s.now(), Text: text, Error: lastErr.Error()})
	s.log.Warn("alert not delivered", logx.String("key", a.Key), logx.Err(lastErr))
}

// alertFromEvent keeps only events an operator must act on: a trigger that
// exhausted its retries, one that never ran, or a spider whose circuit opened.
func alertFromEvent(e eventbus.Event) (Alert, bool) {
	ev, ok := e.Data.(engine.TaskEvent)
	if !ok {
		return Alert{}, false
	}
	switch e.Type {
	case eventbus.TaskFailed, eventbus.TaskDropped:
	case eventbus.TaskSkipped:
		if ev.Error != "circuit_open" {
			return Alert{}, false
		}
	default:
		return Alert{}, false
	}
	return Alert{
		Type:     e.Type,
		Key:      ev.Key,
		TaskID:   ev.ID,
		Attempts: ev.Attempts,
		Reason:   ev.Error,
		At:       e.Time,
	}, true
}

// Format renders an alert as plain text.
func Format(a Alert) string {
	var b strings.Builder
	switch a.Type {
	case eventbus.TaskFailed:
		fmt.Fprintf(&b, "[spidersched] trigger failed: %s", a.Key)
	case eventbus.TaskDropped:
		fmt.Fprintf(&b, "[spidersched] trigger dropped: %s", a.Key)
	case eventbus.TaskSkipped:
		fmt.Fprintf(&b, "[spidersched] trigger paused (circuit open): %s", a.Key)
	default:
		fmt.Fprintf(&b, "[spidersched] %s: %s", a.Type, a.Key)
	}
	if a.Attempts > 0 {
		fmt.Fprintf(&b, "\nattempts: %d", a.Attempts)
	}
	if a.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", a.Reason)
	}
	if !a.At.IsZero() {
		fmt.Fprintf(&b, "\nat: %s", a.At.Format(time.RFC3339))
	}
	return b.String()
}

func dedupKey(a Alert) string {
	return "alert|" + a.Type + "|" + a.Key + "|" + a.Reason
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, persist bool) bool {
	now := s.now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// Cross-restart check (best-effort).
	if persist {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = until
	s.dmu.Unlock()

	if persist {
		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		if err := s.store.PutDedup(cctx, key, until); err != nil {
			s.log.Debug("dedup persist failed", logx.Err(err))
		}
		cancel()
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
