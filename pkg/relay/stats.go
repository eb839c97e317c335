// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package relay

import (
	"context"
	"time"
)

// Stats contains summary information about a running relay.
type Stats struct {
	Uptime          time.Duration `json:"uptime"`
	NumConnections  int           `json:"num_connections"`
	NumViewers      int           `json:"num_viewers"`
	MaxViewers      int           `json:"max_viewers"`
	MaxViewersTime  time.Time     `json:"max_viewers_at"`
	DeviceConnected bool          `json:"device_connected"`
	DeviceSince     *time.Time    `json:"device_connected_since,omitempty"`
	QueueLength     int           `json:"queue_length"`
	Draining        bool          `json:"draining"`
	DrainsStarted   int           `json:"drains_started"`
	DrainsCompleted int           `json:"drains_completed"`
	DrainsAborted   int           `json:"drains_aborted"`
}

// Stats gets a snapshot of the relay's state.
// The snapshot is taken by the event loop after every event posted before the call.
func (d *Dispatcher) Stats(ctx context.Context) (Stats, error) {
	resp := make(chan Stats, 1)
	select {
	case d.statsReqs <- resp:
	case <-d.done:
		return Stats{}, ErrClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}

	select {
	case stats := <-resp:
		return stats, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (d *Dispatcher) snapshot() Stats {
	stats := Stats{
		Uptime:          time.Since(d.startedAt),
		NumConnections:  len(d.conns),
		NumViewers:      len(d.sessions.viewers),
		MaxViewers:      d.sessions.maxViewers,
		MaxViewersTime:  d.sessions.maxViewersTime,
		DeviceConnected: d.sessions.isDeviceBound(),
		QueueLength:     d.queue.length(),
		Draining:        d.drain != nil,
		DrainsStarted:   d.drainsStarted,
		DrainsCompleted: d.drainsCompleted,
		DrainsAborted:   d.drainsAborted,
	}
	if stats.DeviceConnected {
		since := d.sessions.deviceSince
		stats.DeviceSince = &since
	}
	return stats
}
