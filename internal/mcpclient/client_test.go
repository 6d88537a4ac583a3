package mcpclient

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkit-dev/xkit-runtime/internal/codec"
	"github.com/xkit-dev/xkit-runtime/internal/eventbus"
)

// echoServer implements transport.InProcessServer for tests. It
// exposes one tool, "reverse", and can be configured to sleep before
// responding to simulate a slow tool (scenario S2) or to simply stop
// responding to simulate a dead server (scenario S3).
type echoServer struct {
	sleep    time.Duration
	dieAfter int // stop responding after N tools/call requests
	calls    int
}

func (e *echoServer) Serve(ctx context.Context, reqs <-chan *codec.Envelope, resps chan<- *codec.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-reqs:
			if !ok {
				return
			}
			e.handle(ctx, env, resps)
		}
	}
}

func (e *echoServer) handle(ctx context.Context, env *codec.Envelope, resps chan<- *codec.Envelope) {
	switch env.Method {
	case "initialize":
		resp, _ := codec.NewResult(*env.ID, map[string]any{})
		send(ctx, resps, resp)
	case "initialized", "exit", "$/cancelRequest":
		// notifications, no response
	case "tools/list":
		resp, _ := codec.NewResult(*env.ID, map[string]any{
			"content": []map[string]any{
				{"name": "reverse", "description": "reverses a string", "inputSchema": map[string]any{}},
			},
		})
		send(ctx, resps, resp)
	case "tools/call":
		e.calls++
		if e.dieAfter > 0 && e.calls > e.dieAfter {
			return
		}
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		_ = json.Unmarshal(env.Params, &params)

		if e.sleep > 0 {
			select {
			case <-time.After(e.sleep):
			case <-ctx.Done():
				return
			}
		}

		input, _ := params.Arguments["input"].(string)
		reversed := reverseString(input)
		resp, _ := codec.NewResult(*env.ID, map[string]any{
			"content": []map[string]any{{"name": "reverse", "description": "", "text": reversed}},
			"isError": false,
		})
		send(ctx, resps, resp)
	default:
		resp := codec.NewError(*env.ID, codec.MethodNotFound, "unsupported")
		send(ctx, resps, resp)
	}
}

func send(ctx context.Context, resps chan<- *codec.Envelope, env *codec.Envelope) {
	select {
	case resps <- env:
	case <-ctx.Done():
	}
}

func reverseString(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func newTestClient(t *testing.T) (*Client, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(eventbus.Config{}, zap.NewNop())
	client := New(Config{DefaultCallDeadline: 2 * time.Second, HandshakeDeadline: 2 * time.Second}, zap.NewNop(), bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = client.Stop(ctx)
		_ = bus.Stop(ctx)
	})
	return client, bus
}

func TestToolCallRoundTrip(t *testing.T) {
	client, bus := newTestClient(t)

	var connectedCount int
	bus.Subscribe("ServerConnected", "test", func(env eventbus.Envelope) error {
		connectedCount++
		return nil
	}, eventbus.BestEffort, nil)

	client.Register(ServerDescriptor{
		Name:            "echo",
		Kind:            TransportInProcess,
		InProcessServer: &echoServer{},
	})

	state, err := client.Connect(context.Background(), "echo")
	require.NoError(t, err)
	assert.Equal(t, StateReady, state)

	res, err := client.CallTool(context.Background(), "echo", "reverse", map[string]any{"input": "abc"}, time.Second)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)

	var content struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(res.Content[0], &content))
	assert.Equal(t, "cba", content.Text)

	require.Eventually(t, func() bool { return connectedCount == 1 }, time.Second, 10*time.Millisecond)
}

func TestToolTimeoutThenSucceeds(t *testing.T) {
	client, _ := newTestClient(t)

	client.Register(ServerDescriptor{
		Name:            "echo",
		Kind:            TransportInProcess,
		InProcessServer: &echoServer{sleep: 2 * time.Second},
	})

	_, err := client.Connect(context.Background(), "echo")
	require.NoError(t, err)

	start := time.Now()
	_, err = client.CallTool(context.Background(), "echo", "reverse", map[string]any{"input": "abc"}, 200*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	var timeoutErr *ErrTimeout
	assert.ErrorAs(t, err, &timeoutErr)
	assert.Less(t, elapsed, 400*time.Millisecond)

	res, err := client.CallTool(context.Background(), "echo", "reverse", map[string]any{"input": "abc"}, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
}

func TestCallToolValidatesReadiness(t *testing.T) {
	client, _ := newTestClient(t)
	client.Register(ServerDescriptor{Name: "echo", Kind: TransportInProcess, InProcessServer: &echoServer{}})

	_, err := client.CallTool(context.Background(), "echo", "reverse", nil, time.Second)
	require.Error(t, err)
	var unavailable *ErrServerUnavailable
	assert.ErrorAs(t, err, &unavailable)
}

func TestCallToolValidatesToolExists(t *testing.T) {
	client, _ := newTestClient(t)
	client.Register(ServerDescriptor{Name: "echo", Kind: TransportInProcess, InProcessServer: &echoServer{}})
	_, err := client.Connect(context.Background(), "echo")
	require.NoError(t, err)

	_, err = client.CallTool(context.Background(), "echo", "missing", nil, time.Second)
	require.Error(t, err)
	var notFound *ErrToolNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestBackoffScheduleMatchesSpec(t *testing.T) {
	b := newBackoffSchedule(30 * time.Second)
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		got := b.Next()
		assert.Equal(t, w*time.Second, got, "attempt %d ("+strconv.Itoa(i)+")", i)
	}
}
