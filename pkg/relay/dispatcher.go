// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package relay pairs one device connection with any number of viewer connections.
//
// A Dispatcher owns all relay state: the last value of every channel,
// the device and viewer sessions, and the queue of commands waiting for a device.
// That state is only touched from the goroutine running Dispatcher.Run,
// so transport code posts connection events into the loop instead of sharing locks.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Defaults used when a Config field is left empty.
const (
	DefaultDrainInterval = 2500 * time.Millisecond
	DefaultDeviceTag     = "mac"
)

// A Sink receives events for one connection.
// Send must not block; events that cannot be delivered are dropped.
type Sink interface {
	Send(Event) error
}

// Config holds the settings for a Dispatcher.
type Config struct {
	// DrainInterval is the delay between queued command deliveries.
	DrainInterval time.Duration

	// DeviceTag is the identify payload that claims the device slot.
	// Any other payload identifies a viewer.
	DeviceTag string

	// Assistant optionally answers geminiRequest events.
	Assistant Assistant

	// Metrics optionally observes relay activity.
	Metrics Metrics

	Log *logrus.Logger
}

// conn is a connection known to the dispatcher.
type conn struct {
	id   string
	role Role
	sink Sink
}

type connectRequest struct {
	id   string
	sink Sink
}

type inboundEvent struct {
	id    string
	event Event
}

// Dispatcher routes events between the device and viewers.
type Dispatcher struct {
	log       *logrus.Logger
	metrics   Metrics
	assistant Assistant
	deviceTag string
	interval  time.Duration
	startedAt time.Time

	conns    map[string]*conn
	registry *registry
	sessions *sessions
	queue    *commandQueue

	drain           *drainTask
	drainGen        uint64
	drainsStarted   int
	drainsCompleted int
	drainsAborted   int

	// connects receives new connections.
	connects chan connectRequest
	// messages receives events sent by connections.
	messages chan inboundEvent
	// parts receives ids of connections that went away.
	parts chan string
	// steps receives the generation of the drain whose next delivery is due.
	steps chan uint64
	// replies receives assistant output for a single connection.
	replies chan assistantReply
	// statsReqs receives requests for a Stats snapshot.
	statsReqs chan chan Stats

	runCtx context.Context
	done   chan struct{}
}

// New creates a Dispatcher. Call Run to start routing.
func New(cfg Config) *Dispatcher {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.DeviceTag == "" {
		cfg.DeviceTag = DefaultDeviceTag
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}

	return &Dispatcher{
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		assistant: cfg.Assistant,
		deviceTag: cfg.DeviceTag,
		interval:  cfg.DrainInterval,
		startedAt: time.Now(),
		conns:     make(map[string]*conn),
		registry:  newRegistry(),
		sessions:  newSessions(),
		queue:     newCommandQueue(),
		connects:  make(chan connectRequest),
		messages:  make(chan inboundEvent),
		parts:     make(chan string),
		steps:     make(chan uint64),
		replies:   make(chan assistantReply),
		statsReqs: make(chan chan Stats),
		done:      make(chan struct{}),
	}
}

// Run processes connection events one at a time until ctx is done.
// Run must only be called once.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.runCtx = ctx
	defer close(d.done)

	d.log.WithFields(logrus.Fields{
		"drain_interval": d.interval,
		"device_tag":     d.deviceTag,
	}).Info("Relay started")

	for {
		select {
		case <-ctx.Done():
			d.stopDrain()
			d.log.Info("Relay stopped")
			return ctx.Err()

		case req := <-d.connects:
			d.handleConnect(req)

		case msg := <-d.messages:
			d.handleEvent(msg.id, msg.event)

		case id := <-d.parts:
			d.handleDisconnect(id)

		case gen := <-d.steps:
			d.drainStep(gen)

		case r := <-d.replies:
			if c, ok := d.conns[r.id]; ok {
				d.send(c, r.event)
			}

		case resp := <-d.statsReqs:
			resp <- d.snapshot()
		}
	}
}

// Connect registers a new, unclassified connection.
func (d *Dispatcher) Connect(id string, sink Sink) error {
	select {
	case d.connects <- connectRequest{id: id, sink: sink}:
		return nil
	case <-d.done:
		return ErrClosed
	}
}

// Receive routes an event sent by a connection.
// Events from one connection are routed in the order Receive is called.
func (d *Dispatcher) Receive(id string, ev Event) error {
	select {
	case d.messages <- inboundEvent{id: id, event: ev}:
		return nil
	case <-d.done:
		return ErrClosed
	}
}

// Disconnect removes a connection.
func (d *Dispatcher) Disconnect(id string) error {
	select {
	case d.parts <- id:
		return nil
	case <-d.done:
		return ErrClosed
	}
}

func (d *Dispatcher) handleConnect(req connectRequest) {
	if _, ok := d.conns[req.id]; ok {
		d.log.WithField("conn_id", req.id).Warn("Connection already registered")
		return
	}
	d.conns[req.id] = &conn{id: req.id, sink: req.sink}
	d.metrics.ConnectionOpened()
	d.log.WithField("conn_id", req.id).Debug("Connection registered")
}

func (d *Dispatcher) handleDisconnect(id string) {
	c, ok := d.conns[id]
	if !ok {
		return
	}
	delete(d.conns, id)
	d.metrics.ConnectionClosed()

	wasDevice := d.sessions.disconnect(id)
	d.log.WithFields(logrus.Fields{
		"conn_id": id,
		"role":    c.role,
	}).Info("Connection left")
	if wasDevice {
		d.deviceUnbound("")
	}
}

// handleEvent applies the routing rule for one inbound event.
func (d *Dispatcher) handleEvent(id string, ev Event) {
	c, ok := d.conns[id]
	if !ok {
		// Events can still arrive from a connection that was just removed.
		return
	}
	d.metrics.EventReceived(ev.Name())

	var err error
	switch ev.Kind {
	case KindIdentify:
		err = d.identify(c, ev.Data)

	case KindScreenData:
		d.broadcastViewers(ev, c.id)

	case KindClipboard:
		if _, err = decodeString(ev.Data); err == nil {
			d.registry.set(ChannelClipboard, ev.Data)
			d.broadcast(ev, c.id)
		}

	case KindWebSource:
		if _, err = decodeString(ev.Data); err == nil {
			d.registry.set(ChannelMarkup, ev.Data)
			d.broadcast(Event{Kind: KindRenderHTML, Data: ev.Data}, "")
		}

	case KindWordToMac:
		if _, err = decodeString(ev.Data); err == nil {
			d.command(ev.Data)
		}

	case KindQuality:
		err = d.setting(ChannelQuality, ev)

	case KindFrameRate:
		err = d.setting(ChannelFrameRate, ev)

	case KindEmoji:
		if _, err = decodeString(ev.Data); err == nil {
			d.registry.set(ChannelEmoji, ev.Data)
			d.broadcast(ev, "")
		}

	case KindAssistantRequest:
		d.startAssist(c, ev.Data)

	case KindRenderHTML, KindStatus, KindAssistantStatus, KindAssistantResult, KindError:
		err = errors.Wrap(ErrNotAccepted, ev.Name())

	default:
		err = errors.Wrapf(ErrUnknownEvent, "kind %d", int(ev.Kind))
	}

	if err != nil {
		d.reject(c, ev, err)
	}
}

// reject reports a routing failure to the connection that caused it.
func (d *Dispatcher) reject(c *conn, ev Event, err error) {
	d.metrics.EventRejected(ev.Name())
	d.log.WithFields(logrus.Fields{
		"conn_id": c.id,
		"event":   ev.Name(),
		"error":   err,
	}).Warn("Rejected event")
	d.send(c, ErrorEvent(err))
}

// identify binds a connection to the device slot or adds it to the viewers.
func (d *Dispatcher) identify(c *conn, data json.RawMessage) error {
	tag, err := decodeString(data)
	if err != nil {
		return err
	}

	if tag != d.deviceTag {
		c.role = RoleViewer
		if displaced := d.sessions.identify(c.id, RoleViewer); displaced != "" {
			// The new viewer learns the device status from its hydration.
			d.deviceUnbound(c.id)
		}
		d.log.WithField("conn_id", c.id).Info("Viewer identified")
		d.hydrateViewer(c)
		return nil
	}

	if c.role == RoleDevice && d.sessions.currentDeviceID() == c.id {
		// Already bound; keep the running drain and its pacing.
		d.log.WithField("conn_id", c.id).Debug("Device identified again")
		return nil
	}

	displaced := d.sessions.identify(c.id, RoleDevice)
	if old, ok := d.conns[displaced]; ok {
		old.role = RoleUnclassified
	}
	c.role = RoleDevice
	d.metrics.DeviceBound(true)
	d.log.WithFields(logrus.Fields{
		"conn_id":   c.id,
		"displaced": displaced,
	}).Info("Device identified")

	d.broadcastViewers(deviceStatus(true), "")

	// A pending queue already ends with the last command; replaying it here would deliver it twice.
	if d.queue.length() == 0 {
		if v, ok := d.registry.get(ChannelWord); ok {
			d.send(c, Event{Kind: KindWordToMac, Data: v})
		}
	}
	for _, ch := range []Channel{ChannelQuality, ChannelFrameRate} {
		if v, ok := d.registry.get(ch); ok {
			d.send(c, Event{Kind: ch.Kind(), Data: v})
		}
	}

	if d.queue.length() > 0 {
		d.startDrain()
	} else {
		// A new binding always invalidates a drain started for an earlier one.
		d.stopDrain()
	}
	return nil
}

// hydrateViewer sends a new viewer the current value of every channel,
// then the device status, then the queue depth if commands are waiting.
func (d *Dispatcher) hydrateViewer(c *conn) {
	for _, cv := range d.registry.getAll() {
		d.send(c, Event{Kind: cv.channel.Kind(), Data: cv.value})
	}
	d.send(c, deviceStatus(d.sessions.isDeviceBound()))
	if n := d.queue.length(); n > 0 {
		d.send(c, queueDepthStatus(n))
	}
}

// deviceUnbound cancels any drain, and tells viewers except excludeID the device went away.
func (d *Dispatcher) deviceUnbound(excludeID string) {
	d.stopDrain()
	d.metrics.DeviceBound(false)
	d.broadcastViewers(deviceStatus(false), excludeID)
}

// command routes a text command to the device, or queues it.
// While commands are queued, new ones go behind them so delivery stays in order.
func (d *Dispatcher) command(data json.RawMessage) {
	d.registry.set(ChannelWord, data)

	if d.sessions.isDeviceBound() && d.queue.length() == 0 {
		d.unicastDevice(Event{Kind: KindWordToMac, Data: data})
		return
	}

	n := d.queue.enqueue(ChannelWord, data)
	d.metrics.QueueLength(n)
	d.log.WithField("queue_length", n).Debug("Queued command")
	d.broadcastViewers(queueDepthStatus(n), "")

	if d.sessions.isDeviceBound() && d.drain == nil {
		d.startDrain()
	}
}

// setting stores a quality or frame rate value, and forwards it to the device.
// Without a device, the value is kept only in the registry.
func (d *Dispatcher) setting(ch Channel, ev Event) error {
	n, err := parseInt(ev.Data)
	if err != nil {
		return err
	}
	data, _ := json.Marshal(n)
	d.registry.set(ch, data)

	if !d.unicastDevice(Event{Kind: ev.Kind, Data: data}) {
		d.log.WithFields(logrus.Fields{
			"event": ev.Name(),
			"value": n,
		}).Debug("No device bound; dropped setting")
	}
	return nil
}

func (d *Dispatcher) startAssist(c *conn, request json.RawMessage) {
	if d.assistant == nil {
		d.send(c, newEvent(KindAssistantResult, AssistantResult{Success: false, Error: ErrAssistantUnavailable.Error()}))
		return
	}
	go d.assist(d.runCtx, c.id, request)
}

// send delivers an event to one connection. Failures are logged and dropped.
func (d *Dispatcher) send(c *conn, ev Event) {
	if err := c.sink.Send(ev); err != nil {
		d.log.WithFields(logrus.Fields{
			"conn_id": c.id,
			"event":   ev.Name(),
			"error":   err,
		}).Warn("Cannot send event")
		return
	}
	d.metrics.EventSent(ev.Name())
}

// unicastDevice sends an event to the bound device.
// It returns false if no device is bound.
func (d *Dispatcher) unicastDevice(ev Event) bool {
	c, ok := d.conns[d.sessions.currentDeviceID()]
	if !ok {
		return false
	}
	d.send(c, ev)
	return true
}

// broadcast sends an event to every connection except excludeID.
func (d *Dispatcher) broadcast(ev Event, excludeID string) {
	for id, c := range d.conns {
		if id == excludeID {
			continue
		}
		d.send(c, ev)
	}
}

// broadcastViewers sends an event to every viewer except excludeID.
func (d *Dispatcher) broadcastViewers(ev Event, excludeID string) {
	for _, id := range d.sessions.viewerIDs() {
		if id == excludeID {
			continue
		}
		if c, ok := d.conns[id]; ok {
			d.send(c, ev)
		}
	}
}
