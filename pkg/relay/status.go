package relay

// Status types and values carried by statusUpdate events.
const (
	StatusTypeDevice = "mac"
	StatusTypeQueue  = "queue"

	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusQueued       = "queued"
	StatusCleared      = "cleared"
)

// StatusUpdate tells viewers about the device connection or the command queue.
type StatusUpdate struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Count  *int   `json:"count,omitempty"`
}

func deviceStatus(bound bool) Event {
	status := StatusDisconnected
	if bound {
		status = StatusConnected
	}
	return newEvent(KindStatus, StatusUpdate{Type: StatusTypeDevice, Status: status})
}

func queueDepthStatus(n int) Event {
	return newEvent(KindStatus, StatusUpdate{Type: StatusTypeQueue, Status: StatusQueued, Count: &n})
}

func queueClearedStatus() Event {
	return newEvent(KindStatus, StatusUpdate{Type: StatusTypeQueue, Status: StatusCleared})
}
