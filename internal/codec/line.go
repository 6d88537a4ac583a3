package codec

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/roadrunner-server/errors"
)

// MaxLineBytes is the default maximum size of a single line-framed
// message before it fails with ProtocolError(oversize), per spec
// section 4.1.
const MaxLineBytes = 8 << 20 // 8 MiB

// ProtocolErrorKind enumerates the codec-level failure kinds carried in
// ProtocolError.Kind; callers reach it with errors.As on *ProtocolError.
type ProtocolErrorKind string

const (
	KindOversize    ProtocolErrorKind = "oversize"
	KindMalformed   ProtocolErrorKind = "malformed"
	KindDuplicateID ProtocolErrorKind = "duplicate_id"
	KindUnknownID   ProtocolErrorKind = "unknown_id"
)

// ProtocolError is the concrete payload behind spec's ProtocolError(kind, detail).
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Detail string
	Offset int64
}

func (e *ProtocolError) Error() string {
	return string(e.Kind) + ": " + e.Detail
}

// LineReader frames an io.Reader as one JSON object per line, per spec
// section 4.1. It buffers partial reads until a complete line is seen.
type LineReader struct {
	scanner *bufio.Scanner
	offset  int64
}

// NewLineReader wraps r with a line-delimited frame reader. maxLine
// defaults to MaxLineBytes when zero.
func NewLineReader(r io.Reader, maxLine int) *LineReader {
	if maxLine <= 0 {
		maxLine = MaxLineBytes
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(64*1024, maxLine)), maxLine)
	return &LineReader{scanner: sc}
}

// Next reads and decodes the next framed envelope. It returns io.EOF
// when the underlying stream is exhausted cleanly.
func (lr *LineReader) Next() (*Envelope, error) {
	const op = errors.Op("codec_line_next")

	if !lr.scanner.Scan() {
		if err := lr.scanner.Err(); err != nil {
			if isTooLong(err) {
				return nil, errors.E(op, &ProtocolError{Kind: KindOversize, Detail: err.Error(), Offset: lr.offset})
			}
			return nil, errors.E(op, err)
		}
		return nil, io.EOF
	}

	line := lr.scanner.Bytes()
	lr.offset += int64(len(line)) + 1

	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, errors.E(op, &ProtocolError{Kind: KindMalformed, Detail: err.Error(), Offset: lr.offset})
	}
	return &env, nil
}

func isTooLong(err error) bool {
	return err == bufio.ErrTooLong
}

// LineWriter frames outgoing envelopes one per line.
type LineWriter struct {
	w io.Writer
}

// NewLineWriter wraps w for line-delimited framing.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

// Write encodes env as one JSON object followed by a newline.
func (lw *LineWriter) Write(env *Envelope) error {
	const op = errors.Op("codec_line_write")
	b, err := json.Marshal(env)
	if err != nil {
		return errors.E(op, err)
	}
	b = append(b, '\n')
	if _, err := lw.w.Write(b); err != nil {
		return errors.E(op, err)
	}
	return nil
}
