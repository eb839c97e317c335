package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInterval = 20 * time.Millisecond

func TestViewerHydration(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: testInterval})

	src := connect(t, d, "src")
	send(t, d, "src", KindClipboard, "first clip")
	send(t, d, "src", KindClipboard, "latest clip")
	send(t, d, "src", KindEmoji, "👍")
	send(t, d, "src", KindWebSource, "<p>answer</p>")
	send(t, d, "src", KindQuality, 40)
	send(t, d, "src", KindQuality, "55")
	send(t, d, "src", KindFrameRate, 12)
	settle(t, d)
	src.reset()

	viewer := connect(t, d, "viewer")
	send(t, d, "viewer", KindIdentify, "web")
	settle(t, d)

	events := viewer.all()
	require.Len(t, events, 6)
	assert.Equal(t, []string{"latest clip"}, viewer.strings(t, KindClipboard))
	assert.Equal(t, []string{"👍"}, viewer.strings(t, KindEmoji))
	assert.Equal(t, []string{"<p>answer</p>"}, viewer.strings(t, KindRenderHTML))
	require.Len(t, viewer.ofKind(KindQuality), 1)
	assert.JSONEq(t, `55`, string(viewer.ofKind(KindQuality)[0].Data))
	require.Len(t, viewer.ofKind(KindFrameRate), 1)
	assert.JSONEq(t, `12`, string(viewer.ofKind(KindFrameRate)[0].Data))

	// Device status comes after every channel value.
	last := events[len(events)-1]
	assert.Equal(t, KindStatus, last.Kind)
	assert.Equal(t, []StatusUpdate{{Type: StatusTypeDevice, Status: StatusDisconnected}}, viewer.statuses(t))

	// Identifying is not broadcast to others.
	assert.Empty(t, src.all())
}

func TestViewerHydrationIncludesQueueDepth(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: testInterval})

	connect(t, d, "src")
	send(t, d, "src", KindWordToMac, "1% About")
	send(t, d, "src", KindWordToMac, "2% Back")

	viewer := connect(t, d, "viewer")
	send(t, d, "viewer", KindIdentify, "web")
	settle(t, d)

	assert.Equal(t, []string{"2% Back"}, viewer.strings(t, KindWordToMac))
	assert.Equal(t, []StatusUpdate{
		{Type: StatusTypeDevice, Status: StatusDisconnected},
		{Type: StatusTypeQueue, Status: StatusQueued, Count: intPtr(2)},
	}, viewer.statuses(t))
}

func TestQueueDrainsInOrder(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: testInterval})

	viewer := connect(t, d, "viewer")
	send(t, d, "viewer", KindIdentify, "web")

	commands := []string{"1% About", "2% Back", "3% Next", "4% Submit"}
	for _, cmd := range commands {
		send(t, d, "viewer", KindWordToMac, cmd)
	}
	stats := settle(t, d)
	assert.Equal(t, len(commands), stats.QueueLength)
	viewer.reset()

	device := connect(t, d, "device")
	start := time.Now()
	send(t, d, "device", KindIdentify, "mac")

	require.Eventually(t, func() bool {
		return len(device.ofKind(KindWordToMac)) == len(commands)
	}, 2*time.Second, 5*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, commands, device.strings(t, KindWordToMac))
	// The first command goes out immediately, the rest one interval apart.
	assert.GreaterOrEqual(t, elapsed, time.Duration(len(commands)-1)*testInterval)

	require.Eventually(t, func() bool {
		st, ok := lastStatus(viewer)
		return ok && st.Status == StatusCleared
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []StatusUpdate{
		{Type: StatusTypeDevice, Status: StatusConnected},
		{Type: StatusTypeQueue, Status: StatusQueued, Count: intPtr(3)},
		{Type: StatusTypeQueue, Status: StatusQueued, Count: intPtr(2)},
		{Type: StatusTypeQueue, Status: StatusQueued, Count: intPtr(1)},
		{Type: StatusTypeQueue, Status: StatusQueued, Count: intPtr(0)},
		{Type: StatusTypeQueue, Status: StatusCleared},
	}, viewer.statuses(t))

	stats = settle(t, d)
	assert.Equal(t, 0, stats.QueueLength)
	assert.False(t, stats.Draining)
	assert.Equal(t, 1, stats.DrainsStarted)
	assert.Equal(t, 1, stats.DrainsCompleted)
}

func TestExampleScenario(t *testing.T) {
	d := startDispatcher(t, Config{})

	viewer := connect(t, d, "viewer")
	send(t, d, "viewer", KindIdentify, "web")
	send(t, d, "viewer", KindWordToMac, "1% About")
	send(t, d, "viewer", KindWordToMac, "2% Back")
	assert.Equal(t, 2, settle(t, d).QueueLength)
	viewer.reset()

	device := connect(t, d, "device")
	send(t, d, "device", KindIdentify, "mac")

	require.Eventually(t, func() bool {
		return len(device.ofKind(KindWordToMac)) == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"1% About", "2% Back"}, device.strings(t, KindWordToMac))

	require.Eventually(t, func() bool {
		return len(viewer.ofKind(KindStatus)) == 4
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []StatusUpdate{
		{Type: StatusTypeDevice, Status: StatusConnected},
		{Type: StatusTypeQueue, Status: StatusQueued, Count: intPtr(1)},
		{Type: StatusTypeQueue, Status: StatusQueued, Count: intPtr(0)},
		{Type: StatusTypeQueue, Status: StatusCleared},
	}, viewer.statuses(t))
}

func TestDeviceLastWriterWins(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: testInterval})

	a := connect(t, d, "a")
	b := connect(t, d, "b")
	viewer := connect(t, d, "viewer")
	send(t, d, "viewer", KindIdentify, "web")
	send(t, d, "a", KindIdentify, "mac")
	send(t, d, "b", KindIdentify, "mac")
	settle(t, d)
	a.reset()

	send(t, d, "viewer", KindWordToMac, "open")
	send(t, d, "viewer", KindQuality, 70)
	settle(t, d)

	assert.Equal(t, []string{"open"}, b.strings(t, KindWordToMac))
	assert.Len(t, b.ofKind(KindQuality), 1)
	assert.Empty(t, a.all())

	assert.Equal(t, []StatusUpdate{
		{Type: StatusTypeDevice, Status: StatusDisconnected},
		{Type: StatusTypeDevice, Status: StatusConnected},
		{Type: StatusTypeDevice, Status: StatusConnected},
	}, viewer.statuses(t))

	// The displaced connection leaving does not unbind the new device.
	require.NoError(t, d.Disconnect("a"))
	stats := settle(t, d)
	assert.True(t, stats.DeviceConnected)
	status, ok := lastStatus(viewer)
	require.True(t, ok)
	assert.Equal(t, StatusConnected, status.Status)
}

func TestClipboardNotEchoed(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: testInterval})

	x := connect(t, d, "x")
	device := connect(t, d, "device")
	viewer := connect(t, d, "viewer")
	other := connect(t, d, "other")
	send(t, d, "device", KindIdentify, "mac")
	send(t, d, "viewer", KindIdentify, "web")
	send(t, d, "x", KindIdentify, "web")
	settle(t, d)
	x.reset()
	device.reset()
	viewer.reset()
	other.reset()

	send(t, d, "x", KindClipboard, "secret")
	settle(t, d)

	assert.Empty(t, x.ofKind(KindClipboard))
	assert.Equal(t, []string{"secret"}, device.strings(t, KindClipboard))
	assert.Equal(t, []string{"secret"}, viewer.strings(t, KindClipboard))
	assert.Equal(t, []string{"secret"}, other.strings(t, KindClipboard))
}

func TestQualityDroppedWithoutDevice(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: testInterval})

	viewer := connect(t, d, "viewer")
	send(t, d, "viewer", KindIdentify, "web")
	send(t, d, "viewer", KindQuality, 30)
	send(t, d, "viewer", KindFrameRate, 15)
	assert.Equal(t, 0, settle(t, d).QueueLength)

	send(t, d, "viewer", KindWordToMac, "hello")
	assert.Equal(t, 1, settle(t, d).QueueLength)

	status, ok := lastStatus(viewer)
	require.True(t, ok)
	assert.Equal(t, StatusUpdate{Type: StatusTypeQueue, Status: StatusQueued, Count: intPtr(1)}, status)
}

func TestDeviceHydration(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: testInterval})

	connect(t, d, "viewer")
	send(t, d, "viewer", KindQuality, 30)
	send(t, d, "viewer", KindFrameRate, 15)
	send(t, d, "viewer", KindClipboard, "clip")
	settle(t, d)

	device := connect(t, d, "device")
	send(t, d, "device", KindIdentify, "mac")
	settle(t, d)

	require.Len(t, device.ofKind(KindQuality), 1)
	require.Len(t, device.ofKind(KindFrameRate), 1)
	assert.JSONEq(t, `30`, string(device.ofKind(KindQuality)[0].Data))
	assert.JSONEq(t, `15`, string(device.ofKind(KindFrameRate)[0].Data))
	assert.Empty(t, device.ofKind(KindWordToMac))
	assert.Empty(t, device.ofKind(KindClipboard))
}

func TestDeviceHydrationLastCommand(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: testInterval})

	connect(t, d, "first")
	send(t, d, "first", KindIdentify, "mac")
	connect(t, d, "viewer")
	send(t, d, "viewer", KindWordToMac, "go")
	require.NoError(t, d.Disconnect("first"))
	settle(t, d)

	device := connect(t, d, "device")
	send(t, d, "device", KindIdentify, "mac")
	settle(t, d)

	assert.Equal(t, []string{"go"}, device.strings(t, KindWordToMac))
	assert.Equal(t, 0, settle(t, d).DrainsStarted)
}

func TestDisconnectClearsDevice(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: testInterval})

	connect(t, d, "device")
	v1 := connect(t, d, "v1")
	v2 := connect(t, d, "v2")
	send(t, d, "device", KindIdentify, "mac")
	send(t, d, "v1", KindIdentify, "web")
	send(t, d, "v2", KindIdentify, "web")
	require.True(t, settle(t, d).DeviceConnected)
	v1.reset()
	v2.reset()

	require.NoError(t, d.Disconnect("device"))
	stats := settle(t, d)
	assert.False(t, stats.DeviceConnected)
	assert.Equal(t, 2, stats.NumConnections)

	want := []StatusUpdate{{Type: StatusTypeDevice, Status: StatusDisconnected}}
	assert.Equal(t, want, v1.statuses(t))
	assert.Equal(t, want, v2.statuses(t))
}

func TestDrainAbortsWhenDeviceLeaves(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: 50 * time.Millisecond})

	connect(t, d, "viewer")
	for _, cmd := range []string{"a", "b", "c"} {
		send(t, d, "viewer", KindWordToMac, cmd)
	}

	device := connect(t, d, "device")
	send(t, d, "device", KindIdentify, "mac")
	require.NoError(t, d.Disconnect("device"))
	stats := settle(t, d)

	assert.Equal(t, []string{"a"}, device.strings(t, KindWordToMac))
	assert.Equal(t, 2, stats.QueueLength)
	assert.Equal(t, 1, stats.DrainsAborted)
	assert.False(t, stats.Draining)

	// The remaining commands wait for the next device, in order.
	next := connect(t, d, "next")
	send(t, d, "next", KindIdentify, "mac")
	require.Eventually(t, func() bool {
		return len(next.ofKind(KindWordToMac)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b", "c"}, next.strings(t, KindWordToMac))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"a"}, device.strings(t, KindWordToMac))
}

func TestNewDeviceInvalidatesDrain(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: 50 * time.Millisecond})

	connect(t, d, "viewer")
	for _, cmd := range []string{"a", "b", "c"} {
		send(t, d, "viewer", KindWordToMac, cmd)
	}

	first := connect(t, d, "first")
	second := connect(t, d, "second")
	send(t, d, "first", KindIdentify, "mac")
	send(t, d, "second", KindIdentify, "mac")

	require.Eventually(t, func() bool {
		return currentStats(d).QueueLength == 0
	}, time.Second, 5*time.Millisecond)

	// Each command is delivered exactly once.
	assert.Equal(t, []string{"a"}, first.strings(t, KindWordToMac))
	assert.Equal(t, []string{"b", "c"}, second.strings(t, KindWordToMac))
}

func TestDeviceIdentifyAgainKeepsDrainPace(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: 200 * time.Millisecond})

	viewer := connect(t, d, "viewer")
	send(t, d, "viewer", KindIdentify, "web")
	send(t, d, "viewer", KindQuality, 40)
	for _, cmd := range []string{"a", "b", "c"} {
		send(t, d, "viewer", KindWordToMac, cmd)
	}
	settle(t, d)
	viewer.reset()

	device := connect(t, d, "device")
	send(t, d, "device", KindIdentify, "mac")
	send(t, d, "device", KindIdentify, "mac")
	send(t, d, "device", KindIdentify, "mac")
	stats := settle(t, d)

	// Only the first delivery is immediate; the rest wait for the interval.
	assert.Equal(t, []string{"a"}, device.strings(t, KindWordToMac))
	assert.Len(t, device.ofKind(KindQuality), 1)
	assert.Equal(t, 2, stats.QueueLength)
	assert.True(t, stats.Draining)
	assert.Equal(t, 1, stats.DrainsStarted)
	assert.Equal(t, 0, stats.DrainsAborted)
	assert.Equal(t, []StatusUpdate{
		{Type: StatusTypeDevice, Status: StatusConnected},
		{Type: StatusTypeQueue, Status: StatusQueued, Count: intPtr(2)},
	}, viewer.statuses(t))

	require.Eventually(t, func() bool {
		return len(device.ofKind(KindWordToMac)) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, device.strings(t, KindWordToMac))
}

func TestCommandsDuringDrainKeepOrder(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: 30 * time.Millisecond})

	connect(t, d, "viewer")
	send(t, d, "viewer", KindWordToMac, "queued 1")
	send(t, d, "viewer", KindWordToMac, "queued 2")

	device := connect(t, d, "device")
	send(t, d, "device", KindIdentify, "mac")
	send(t, d, "viewer", KindWordToMac, "live")

	require.Eventually(t, func() bool {
		return len(device.ofKind(KindWordToMac)) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"queued 1", "queued 2", "live"}, device.strings(t, KindWordToMac))

	// Once the queue is empty, commands go straight through.
	require.Eventually(t, func() bool {
		return !currentStats(d).Draining
	}, time.Second, 5*time.Millisecond)
	send(t, d, "viewer", KindWordToMac, "direct")
	settle(t, d)
	assert.Equal(t, "direct", device.strings(t, KindWordToMac)[3])
}

func TestRouting(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: testInterval})

	device := connect(t, d, "device")
	viewer := connect(t, d, "viewer")
	stranger := connect(t, d, "stranger")
	send(t, d, "device", KindIdentify, "mac")
	send(t, d, "viewer", KindIdentify, "web")
	settle(t, d)
	device.reset()
	viewer.reset()
	stranger.reset()

	frame := json.RawMessage(`"iVBORw0KGgo="`)
	require.NoError(t, d.Receive("device", Event{Kind: KindScreenData, Data: frame}))
	send(t, d, "device", KindEmoji, "✅")
	send(t, d, "viewer", KindWebSource, "<b>hi</b>")
	settle(t, d)

	// Screen frames reach viewers only, unchanged.
	require.Len(t, viewer.ofKind(KindScreenData), 1)
	assert.Equal(t, frame, viewer.ofKind(KindScreenData)[0].Data)
	assert.Empty(t, device.ofKind(KindScreenData))
	assert.Empty(t, stranger.ofKind(KindScreenData))

	// Emoji and markup reach every connection, the sender included.
	for _, r := range []*recorder{device, viewer, stranger} {
		assert.Equal(t, []string{"✅"}, r.strings(t, KindEmoji))
		assert.Equal(t, []string{"<b>hi</b>"}, r.strings(t, KindRenderHTML))
		assert.Empty(t, r.ofKind(KindWebSource))
	}
}

func TestInvalidEventsRejected(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: testInterval})

	device := connect(t, d, "device")
	viewer := connect(t, d, "viewer")
	send(t, d, "device", KindIdentify, "mac")
	send(t, d, "viewer", KindIdentify, "web")
	send(t, d, "viewer", KindQuality, 50)
	settle(t, d)
	device.reset()
	viewer.reset()

	send(t, d, "viewer", KindQuality, "very high")
	send(t, d, "viewer", KindFrameRate, 2.5)
	send(t, d, "viewer", KindClipboard, 42)
	send(t, d, "viewer", KindStatus, StatusUpdate{Type: "mac", Status: "connected"})
	require.NoError(t, d.Receive("viewer", Event{Kind: Kind(99)}))
	settle(t, d)

	assert.Len(t, viewer.ofKind(KindError), 5)
	assert.Empty(t, device.all())

	// The stored quality is unchanged.
	late := connect(t, d, "late")
	send(t, d, "late", KindIdentify, "web")
	settle(t, d)
	require.Len(t, late.ofKind(KindQuality), 1)
	assert.JSONEq(t, `50`, string(late.ofKind(KindQuality)[0].Data))
}

func TestEventsFromUnknownConnectionIgnored(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: testInterval})

	viewer := connect(t, d, "viewer")
	send(t, d, "viewer", KindIdentify, "web")
	settle(t, d)
	viewer.reset()

	send(t, d, "ghost", KindEmoji, "👻")
	require.NoError(t, d.Disconnect("ghost"))
	settle(t, d)
	assert.Empty(t, viewer.all())
}

func TestViewerClaimFromDeviceUnbinds(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: testInterval})

	x := connect(t, d, "x")
	watcher := connect(t, d, "watcher")
	send(t, d, "watcher", KindIdentify, "web")
	send(t, d, "x", KindIdentify, "mac")
	send(t, d, "x", KindIdentify, "web")
	stats := settle(t, d)

	// The former device hears the device status once, from its own hydration.
	assert.Equal(t, []StatusUpdate{
		{Type: StatusTypeDevice, Status: StatusDisconnected},
	}, x.statuses(t))

	assert.False(t, stats.DeviceConnected)
	assert.Equal(t, 2, stats.NumViewers)
	assert.Equal(t, []StatusUpdate{
		{Type: StatusTypeDevice, Status: StatusDisconnected},
		{Type: StatusTypeDevice, Status: StatusConnected},
		{Type: StatusTypeDevice, Status: StatusDisconnected},
	}, watcher.statuses(t))
}

func TestAssistantRepliesToRequesterOnly(t *testing.T) {
	assistant := AssistantFunc(func(ctx context.Context, req json.RawMessage, progress func(string)) (json.RawMessage, error) {
		progress("reading question")
		progress("thinking")
		return json.RawMessage(`{"answer":"B"}`), nil
	})
	d := startDispatcher(t, Config{DrainInterval: testInterval, Assistant: assistant})

	asker := connect(t, d, "asker")
	other := connect(t, d, "other")
	send(t, d, "asker", KindIdentify, "web")
	send(t, d, "other", KindIdentify, "web")
	settle(t, d)
	other.reset()

	send(t, d, "asker", KindAssistantRequest, map[string]string{"question": "2+2?"})
	require.Eventually(t, func() bool {
		return len(asker.ofKind(KindAssistantResult)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"reading question", "thinking"}, asker.strings(t, KindAssistantStatus))
	var result AssistantResult
	require.NoError(t, json.Unmarshal(asker.ofKind(KindAssistantResult)[0].Data, &result))
	assert.True(t, result.Success)
	assert.JSONEq(t, `{"answer":"B"}`, string(result.Result))
	assert.Empty(t, other.all())
}

func TestAssistantFailure(t *testing.T) {
	assistant := AssistantFunc(func(ctx context.Context, req json.RawMessage, progress func(string)) (json.RawMessage, error) {
		return nil, errors.New("model quota exceeded")
	})
	d := startDispatcher(t, Config{DrainInterval: testInterval, Assistant: assistant})

	asker := connect(t, d, "asker")
	send(t, d, "asker", KindAssistantRequest, "question")
	require.Eventually(t, func() bool {
		return len(asker.ofKind(KindAssistantResult)) == 1
	}, time.Second, 5*time.Millisecond)

	var result AssistantResult
	require.NoError(t, json.Unmarshal(asker.ofKind(KindAssistantResult)[0].Data, &result))
	assert.False(t, result.Success)
	assert.Equal(t, "model quota exceeded", result.Error)
}

func TestAssistantUnavailable(t *testing.T) {
	d := startDispatcher(t, Config{DrainInterval: testInterval})

	asker := connect(t, d, "asker")
	send(t, d, "asker", KindAssistantRequest, "question")
	settle(t, d)

	require.Len(t, asker.ofKind(KindAssistantResult), 1)
	var result AssistantResult
	require.NoError(t, json.Unmarshal(asker.ofKind(KindAssistantResult)[0].Data, &result))
	assert.False(t, result.Success)
	assert.Equal(t, ErrAssistantUnavailable.Error(), result.Error)
}

func TestClosedDispatcher(t *testing.T) {
	d := New(Config{Log: log})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error)
	go func() { stopped <- d.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-stopped, context.Canceled)

	assert.ErrorIs(t, d.Connect("late", &recorder{}), ErrClosed)
	assert.ErrorIs(t, d.Receive("late", Event{}), ErrClosed)
	assert.ErrorIs(t, d.Disconnect("late"), ErrClosed)
	_, err := d.Stats(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
