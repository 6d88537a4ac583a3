package codec

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewLineWriter(&buf)

	req, err := NewRequest(NewIntID(1), "tools/call", map[string]any{"name": "reverse"})
	require.NoError(t, err)
	require.NoError(t, w.Write(req))

	r := NewLineReader(&buf, 0)
	got, err := r.Next()
	require.NoError(t, err)

	kind, err := got.Classify()
	require.NoError(t, err)
	assert.Equal(t, KindRequest, kind)
	assert.Equal(t, "tools/call", got.Method)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineReaderOversize(t *testing.T) {
	huge := strings.Repeat("a", 200)
	r := NewLineReader(strings.NewReader(huge+"\n"), 32)
	_, err := r.Next()
	require.Error(t, err)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindOversize, pe.Kind)
}

func TestLineReaderMalformed(t *testing.T) {
	r := NewLineReader(strings.NewReader("not json\n"), 0)
	_, err := r.Next()
	require.Error(t, err)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindMalformed, pe.Kind)
}

func TestClassifyResponseRequiresExactlyOneOfResultOrError(t *testing.T) {
	id := NewIntID(1)
	env := &Envelope{JSONRPC: "2.0", ID: &id}
	_, err := env.Classify()
	assert.Error(t, err)

	env.Result = []byte(`"ok"`)
	env.Error = &Error{Code: 1, Message: "bad"}
	_, err = env.Classify()
	assert.Error(t, err)
}

func TestClassifyNotification(t *testing.T) {
	env, err := NewNotification("$/cancelRequest", map[string]any{"id": "1"})
	require.NoError(t, err)

	kind, err := env.Classify()
	require.NoError(t, err)
	assert.Equal(t, KindNotification, kind)
}

func TestStreamReaderWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sw := NewStreamWriter(&buf)

	n1, _ := NewNotification("toolsChanged", map[string]any{"server": "echo"})
	n2, _ := NewNotification("toolsChanged", map[string]any{"server": "flaky"})
	require.NoError(t, sw.Write(n1))
	require.NoError(t, sw.Write(n2))

	sr := NewStreamReader(&buf, 0)
	got1, err := sr.Next()
	require.NoError(t, err)
	assert.Equal(t, "toolsChanged", got1.Method)

	got2, err := sr.Next()
	require.NoError(t, err)
	assert.Equal(t, "toolsChanged", got2.Method)

	_, err = sr.Next()
	assert.ErrorIs(t, err, io.EOF)
}
