package relay

import (
	"context"
	"encoding/json"
)

// An Assistant answers a viewer's exam-assistance request.
// Progress may be called any number of times before Solve returns;
// each call is forwarded to the requesting viewer only.
type Assistant interface {
	Solve(ctx context.Context, request json.RawMessage, progress func(status string)) (json.RawMessage, error)
}

// AssistantFunc is an adapter to use an ordinary function as an Assistant.
type AssistantFunc func(ctx context.Context, request json.RawMessage, progress func(status string)) (json.RawMessage, error)

// Solve calls f(ctx, request, progress).
func (f AssistantFunc) Solve(ctx context.Context, request json.RawMessage, progress func(status string)) (json.RawMessage, error) {
	return f(ctx, request, progress)
}

// assistantReply carries assistant output back into the event loop.
type assistantReply struct {
	id    string
	event Event
}

// assist runs the assistant for one request, posting status and result events for the requester.
// It runs outside the event loop; failures are reported to the requester only.
func (d *Dispatcher) assist(ctx context.Context, id string, request json.RawMessage) {
	post := func(ev Event) {
		select {
		case d.replies <- assistantReply{id: id, event: ev}:
		case <-ctx.Done():
		}
	}

	progress := func(status string) {
		post(newEvent(KindAssistantStatus, status))
	}

	result, err := d.assistant.Solve(ctx, request, progress)
	if err != nil {
		post(newEvent(KindAssistantResult, AssistantResult{Success: false, Error: err.Error()}))
		return
	}
	if len(result) > 0 && !json.Valid(result) {
		post(newEvent(KindAssistantResult, AssistantResult{Success: false, Error: ErrMalformedData.Error()}))
		return
	}
	post(newEvent(KindAssistantResult, AssistantResult{Success: true, Result: result}))
}
