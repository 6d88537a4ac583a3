package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/roadrunner-server/errors"

	"github.com/xkit-dev/xkit-runtime/internal/codec"
)

// HTTP is a transport that issues one POST per outgoing request and
// reads server-initiated messages off a streaming endpoint, per spec
// section 4.1's HTTP transport. Both the synchronous POST response and
// the asynchronous streaming endpoint feed the same inbound channel,
// so the MCP client's single Recv-based dispatcher (spec section 4.2)
// correlates responses from either leg by id exactly the same way.
type HTTP struct {
	params HTTPParams
	client *http.Client
	stream *codec.StreamReader

	inbound   chan *codec.Envelope
	errs      chan error
	closeOnce sync.Once
	closed    chan struct{}
}

// NewHTTP builds an HTTP transport. Callers must call Connect before
// Send/Recv if they want the streaming endpoint consumed.
func NewHTTP(params HTTPParams, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{
		params:  params,
		client:  client,
		inbound: make(chan *codec.Envelope, 64),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// Connect opens the streaming endpoint, if configured, for
// server-initiated messages, and starts the goroutine that feeds them
// into Recv's inbound channel alongside synchronous POST responses.
func (h *HTTP) Connect(ctx context.Context) error {
	const op = errors.Op("transport_http_connect")
	if h.params.StreamingPath == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.params.BaseURL+h.params.StreamingPath, nil)
	if err != nil {
		return errors.E(op, err)
	}
	h.applyAuth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return errors.E(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return errors.E(op, errors.Str("streaming endpoint returned non-200"))
	}

	h.stream = codec.NewStreamReader(resp.Body, 0)
	go h.pumpStream(resp.Body)
	return nil
}

// pumpStream drains the streaming endpoint into the shared inbound
// channel until it closes or errors.
func (h *HTTP) pumpStream(body io.ReadCloser) {
	defer body.Close()
	for {
		env, err := h.stream.Next()
		if err != nil {
			select {
			case h.errs <- err:
			case <-h.closed:
			}
			return
		}
		select {
		case h.inbound <- env:
		case <-h.closed:
			return
		}
	}
}

func (h *HTTP) applyAuth(req *http.Request) {
	if h.params.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.params.BearerToken)
	} else if h.params.AuthHeader != "" {
		req.Header.Set(h.params.AuthHeader, h.params.AuthValue)
	}
	req.Header.Set("Content-Type", "application/json")
}

// Send posts env as a JSON body. A request's response envelope (if
// any) is pushed onto the same inbound channel Recv reads from, so the
// client's id-based correlation in runDispatcher sees it regardless of
// which leg — synchronous POST or streaming endpoint — it arrived on.
func (h *HTTP) Send(ctx context.Context, env *codec.Envelope) error {
	const op = errors.Op("transport_http_send")

	resp, err := h.SendRequest(ctx, env)
	if err != nil {
		return errors.E(op, err)
	}
	if resp == nil {
		return nil
	}

	select {
	case h.inbound <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.closed:
		return errors.E(op, errors.Str("transport closed"))
	}
}

// SendRequest performs the request/response half of the HTTP
// transport and returns the decoded response envelope directly, or
// nil if the server answered with an empty body (the notification
// case, which carries no id to correlate a response against).
func (h *HTTP) SendRequest(ctx context.Context, env *codec.Envelope) (*codec.Envelope, error) {
	const op = errors.Op("transport_http_send_request")

	body, err := codec.EncodeHTTPBody(env)
	if err != nil {
		return nil, errors.E(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.params.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.E(op, err)
	}
	h.applyAuth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, errors.E(op, err)
	}
	if buf.Len() == 0 {
		return nil, nil
	}

	return codec.DecodeHTTPBody(buf.Bytes())
}

// Recv reads the next message destined for the dispatcher, whether it
// arrived as a synchronous POST response or off the streaming endpoint.
func (h *HTTP) Recv(ctx context.Context) (*codec.Envelope, error) {
	select {
	case env := <-h.inbound:
		return env, nil
	case err := <-h.errs:
		return nil, err
	case <-h.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the streaming goroutine, if any.
func (h *HTTP) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}
