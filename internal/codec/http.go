package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/roadrunner-server/errors"
)

// streamSentinel separates consecutive JSON objects on the HTTP
// streaming endpoint, the SSE-like shape described in spec section 4.1.
var streamSentinel = []byte("\n---\n")

// EncodeHTTPBody marshals a single request/response envelope as a
// POST/response JSON body.
func EncodeHTTPBody(env *Envelope) ([]byte, error) {
	const op = errors.Op("codec_http_encode")
	b, err := json.Marshal(env)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return b, nil
}

// DecodeHTTPBody parses a single JSON body into an envelope.
func DecodeHTTPBody(body []byte) (*Envelope, error) {
	const op = errors.Op("codec_http_decode")
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.E(op, &ProtocolError{Kind: KindMalformed, Detail: err.Error()})
	}
	return &env, nil
}

// StreamWriter writes server-initiated messages over the HTTP
// streaming endpoint as a sequence of sentinel-delimited JSON objects.
type StreamWriter struct {
	w io.Writer
}

// NewStreamWriter wraps w for the streaming transport.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{w: w}
}

// Write emits one framed envelope followed by the sentinel.
func (sw *StreamWriter) Write(env *Envelope) error {
	const op = errors.Op("codec_stream_write")
	b, err := json.Marshal(env)
	if err != nil {
		return errors.E(op, err)
	}
	if _, err := sw.w.Write(append(b, streamSentinel...)); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// StreamReader reads the sentinel-delimited stream back into envelopes.
type StreamReader struct {
	scanner *bufio.Scanner
}

// NewStreamReader wraps r for the streaming transport, with the same
// oversize bound as the line-framed transport.
func NewStreamReader(r io.Reader, maxFrame int) *StreamReader {
	if maxFrame <= 0 {
		maxFrame = MaxLineBytes
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(64*1024, maxFrame)), maxFrame)
	sc.Split(splitOnSentinel)
	return &StreamReader{scanner: sc}
}

// Next returns the next framed envelope, or io.EOF when the stream closes.
func (sr *StreamReader) Next() (*Envelope, error) {
	const op = errors.Op("codec_stream_next")
	if !sr.scanner.Scan() {
		if err := sr.scanner.Err(); err != nil {
			if isTooLong(err) {
				return nil, errors.E(op, &ProtocolError{Kind: KindOversize, Detail: err.Error()})
			}
			return nil, errors.E(op, err)
		}
		return nil, io.EOF
	}
	var env Envelope
	if err := json.Unmarshal(sr.scanner.Bytes(), &env); err != nil {
		return nil, errors.E(op, &ProtocolError{Kind: KindMalformed, Detail: err.Error()})
	}
	return &env, nil
}

func splitOnSentinel(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, streamSentinel); i >= 0 {
		return i + len(streamSentinel), data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	if atEOF {
		return 0, nil, io.EOF
	}
	return 0, nil, nil
}
