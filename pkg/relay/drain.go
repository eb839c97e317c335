package relay

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// drainTask delivers queued commands to one device binding, one per interval.
type drainTask struct {
	gen    uint64
	device string
	cancel context.CancelFunc
	ctx    context.Context
}

// startDrain cancels any running drain, and starts delivering the queue to the current device.
// The first command is delivered right away.
func (d *Dispatcher) startDrain() {
	d.stopDrain()

	d.drainGen++
	ctx, cancel := context.WithCancel(d.runCtx)
	d.drain = &drainTask{
		gen:    d.drainGen,
		device: d.sessions.currentDeviceID(),
		cancel: cancel,
		ctx:    ctx,
	}
	d.drainsStarted++
	d.metrics.DrainStarted()
	d.log.WithFields(logrus.Fields{
		"conn_id":      d.drain.device,
		"queue_length": d.queue.length(),
	}).Info("Draining command queue")

	d.drainStep(d.drain.gen)
}

// stopDrain aborts the running drain, if any. Undelivered commands stay queued.
func (d *Dispatcher) stopDrain() {
	if d.drain == nil {
		return
	}
	d.drain.cancel()
	d.drain = nil
	d.drainsAborted++
	d.metrics.DrainAborted()
	d.log.WithField("queue_length", d.queue.length()).Info("Drain aborted")
}

// drainStep delivers the head of the queue if the drain for gen is still valid,
// then schedules the next step.
func (d *Dispatcher) drainStep(gen uint64) {
	task := d.drain
	if task == nil || task.gen != gen {
		return // Stale timer from a cancelled drain
	}
	if d.sessions.currentDeviceID() != task.device {
		d.stopDrain()
		return
	}

	cmd, ok := d.queue.pop()
	if !ok {
		d.finishDrain()
		return
	}
	d.unicastDevice(Event{Kind: cmd.Channel.Kind(), Data: cmd.Payload})

	remaining := d.queue.length()
	d.metrics.QueueLength(remaining)
	d.broadcastViewers(queueDepthStatus(remaining), "")
	if remaining == 0 {
		d.finishDrain()
		return
	}

	go d.scheduleStep(task.ctx, gen)
}

// scheduleStep posts a drain step after one interval, unless the drain is cancelled first.
func (d *Dispatcher) scheduleStep(ctx context.Context, gen uint64) {
	timer := time.NewTimer(d.interval)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	select {
	case d.steps <- gen:
	case <-ctx.Done():
	}
}

// finishDrain ends a drain that emptied the queue.
func (d *Dispatcher) finishDrain() {
	d.drain.cancel()
	d.drain = nil
	d.drainsCompleted++
	d.metrics.DrainFinished()
	d.broadcastViewers(queueClearedStatus(), "")
	d.log.Info("Command queue drained")
}
