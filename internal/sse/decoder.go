package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
)

var (
	lf   = []byte("\n\n")
	crlf = []byte("\r\n\r\n")
)

// Decoder reassembles frames from a byte stream whose reads may split or
// merge frames. Malformed frames are logged and skipped.
type Decoder struct {
	buf       []byte
	malformed int
	log       logrus.FieldLogger
}

// NewDecoder returns a decoder. logger may be nil.
func NewDecoder(logger logrus.FieldLogger) *Decoder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Decoder{log: logger.WithField("component", "sse-decoder")}
}

// Feed appends p and returns every event completed by it.
func (d *Decoder) Feed(p []byte) []Event {
	d.buf = append(d.buf, p...)
	var out []Event
	for {
		end, sep := nextTerminator(d.buf)
		if end < 0 {
			break
		}
		frame := d.buf[:end]
		if ev, ok := d.parse(frame); ok {
			out = append(out, ev)
		}
		d.buf = d.buf[end+sep:]
	}
	if len(d.buf) == 0 && cap(d.buf) > 64*1024 {
		d.buf = nil
	}
	return out
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (d *Decoder) Pending() int { return len(d.buf) }

// Malformed returns how many frames were skipped as invalid.
func (d *Decoder) Malformed() int { return d.malformed }

// ErrTruncated is returned by Decode when the stream ends mid-frame.
var ErrTruncated = errors.New("sse: stream ended inside a frame")

// Decode reads r until EOF, calling fn for every event. An error from fn
// stops decoding and is returned.
func (d *Decoder) Decode(ctx context.Context, r io.Reader, fn func(Event) error) error {
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range d.Feed(buf[:n]) {
				if ferr := fn(ev); ferr != nil {
					return ferr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(d.buf)) > 0 {
				return ErrTruncated
			}
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}

func nextTerminator(b []byte) (int, int) {
	i := bytes.Index(b, lf)
	j := bytes.Index(b, crlf)
	switch {
	case i < 0 && j < 0:
		return -1, 0
	case j >= 0 && (i < 0 || j < i):
		return j, len(crlf)
	default:
		return i, len(lf)
	}
}

func (d *Decoder) parse(frame []byte) (Event, bool) {
	var data [][]byte
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue // comments, event:, id:, retry:
		}
		v := line[len("data:"):]
		v = bytes.TrimPrefix(v, []byte(" "))
		data = append(data, v)
	}
	if len(data) == 0 {
		return Event{}, false
	}
	payload := bytes.Join(data, []byte("\n"))
	if string(bytes.TrimSpace(payload)) == "[DONE]" {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Type == "" {
		d.malformed++
		fields := logrus.Fields{"bytes": len(payload)}
		if err != nil {
			fields["error"] = err.Error()
		}
		d.log.WithFields(fields).Warn("skipping malformed frame")
		return Event{}, false
	}
	return ev, true
}
