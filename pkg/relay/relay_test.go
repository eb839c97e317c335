package relay

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Out = io.Discard
}

// recorder is a Sink that remembers everything sent to it.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Send(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofKind(kind Kind) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// strings decodes every event of kind as a JSON string.
func (r *recorder) strings(t *testing.T, kind Kind) []string {
	t.Helper()
	var out []string
	for _, ev := range r.ofKind(kind) {
		var s string
		require.NoError(t, json.Unmarshal(ev.Data, &s))
		out = append(out, s)
	}
	return out
}

// statuses decodes every statusUpdate event.
func (r *recorder) statuses(t *testing.T) []StatusUpdate {
	t.Helper()
	var out []StatusUpdate
	for _, ev := range r.ofKind(KindStatus) {
		var s StatusUpdate
		require.NoError(t, json.Unmarshal(ev.Data, &s))
		out = append(out, s)
	}
	return out
}

func startDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	if cfg.Log == nil {
		cfg.Log = log
	}
	d := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return d
}

func connect(t *testing.T, d *Dispatcher, id string) *recorder {
	t.Helper()
	r := &recorder{}
	require.NoError(t, d.Connect(id, r))
	return r
}

func send(t *testing.T, d *Dispatcher, id string, kind Kind, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, d.Receive(id, Event{Kind: kind, Data: data}))
}

// settle waits until the event loop has handled everything posted so far.
func settle(t *testing.T, d *Dispatcher) Stats {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stats, err := d.Stats(ctx)
	require.NoError(t, err)
	return stats
}

// currentStats is settle for use inside polling conditions.
func currentStats(d *Dispatcher) Stats {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stats, _ := d.Stats(ctx)
	return stats
}

// lastStatus decodes the most recent statusUpdate sent to r.
func lastStatus(r *recorder) (StatusUpdate, bool) {
	events := r.ofKind(KindStatus)
	if len(events) == 0 {
		return StatusUpdate{}, false
	}
	var s StatusUpdate
	if err := json.Unmarshal(events[len(events)-1].Data, &s); err != nil {
		return StatusUpdate{}, false
	}
	return s, true
}

func intPtr(n int) *int {
	return &n
}
