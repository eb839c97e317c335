package relay

import "encoding/json"

// A QueuedCommand is a device-bound command withheld while no device was attached.
type QueuedCommand struct {
	Channel Channel
	Payload json.RawMessage
	Seq     uint64 // Enqueue order
}

// commandQueue buffers device-bound commands in FIFO order.
// Commands are never reordered or merged.
type commandQueue struct {
	items   []QueuedCommand
	nextSeq uint64
}

func newCommandQueue() *commandQueue {
	return &commandQueue{}
}

// enqueue appends a command to the tail, and returns the new length.
func (q *commandQueue) enqueue(ch Channel, payload json.RawMessage) int {
	q.items = append(q.items, QueuedCommand{
		Channel: ch,
		Payload: payload,
		Seq:     q.nextSeq,
	})
	q.nextSeq++
	return len(q.items)
}

// pop removes the head of the queue.
func (q *commandQueue) pop() (QueuedCommand, bool) {
	if len(q.items) == 0 {
		return QueuedCommand{}, false
	}
	cmd := q.items[0]
	q.items[0] = QueuedCommand{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil // Let the backing array go
	}
	return cmd, true
}

func (q *commandQueue) length() int {
	return len(q.items)
}
