package relay

// Metrics observes relay activity.
// Methods are called from the event loop and must not block.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	EventReceived(event string)
	EventSent(event string)
	EventRejected(event string)
	QueueLength(n int)
	DeviceBound(bound bool)
	DrainStarted()
	DrainFinished()
	DrainAborted()
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()    {}
func (noopMetrics) ConnectionClosed()    {}
func (noopMetrics) EventReceived(string) {}
func (noopMetrics) EventSent(string)     {}
func (noopMetrics) EventRejected(string) {}
func (noopMetrics) QueueLength(int)      {}
func (noopMetrics) DeviceBound(bool)     {}
func (noopMetrics) DrainStarted()        {}
func (noopMetrics) DrainFinished()       {}
func (noopMetrics) DrainAborted()        {}
