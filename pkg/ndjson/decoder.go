// Package ndjson decodes newline-delimited JSON streams, one object per line,
// tolerating corrupted lines.
//
// The decoder is a small state machine:
//
//	fill  -> read the next chunk from the underlying reader into the buffer
//	split -> cut the buffer at the next '\n'
//	parse -> validate the line; valid lines are returned, invalid lines are
//	         reported through OnSkip and dropped
//	flush -> at EOF, split what is left and parse a trailing unterminated line
//	end   -> return the terminal error (io.EOF or the read error)
//
// A malformed line never terminates the stream. Only a failing reader does.
package ndjson

import (
	"bytes"
	"errors"
	"io"

	"github.com/tidwall/gjson"
)

var (
	// ErrMalformedLine is reported to OnSkip for a line that is not valid JSON.
	ErrMalformedLine = errors.New("ndjson: malformed line")

	// ErrLineTooLong is reported to OnSkip for a line exceeding MaxLineSize.
	ErrLineTooLong = errors.New("ndjson: line too long")
)

// DefaultMaxLineSize is the default upper bound for one line.
const DefaultMaxLineSize = 1 << 20

const readChunkSize = 4096

type state int

const (
	stateFill state = iota
	stateSplit
	stateFlush
	stateEnd
)

// Decoder reads JSON values from a newline-delimited stream.
type Decoder struct {
	// MaxLineSize bounds a single line. Longer lines are skipped.
	MaxLineSize int

	// OnSkip, if set, is called for every dropped line with the reason.
	// The line slice is only valid for the duration of the call.
	OnSkip func(line []byte, reason error)

	r          io.Reader
	chunk      []byte
	buf        []byte
	state      state
	discarding bool
	err        error

	lines   int
	skipped int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		MaxLineSize: DefaultMaxLineSize,
		r:           r,
		chunk:       make([]byte, readChunkSize),
		state:       stateFill,
	}
}

// Next returns the next valid JSON line.
//
// Returns io.EOF when the stream ends, or the reader's error if reading
// fails. Both are sticky.
func (d *Decoder) Next() (gjson.Result, error) {
	for {
		switch d.state {
		case stateFill:
			d.fill()

		case stateSplit:
			line, ok := d.cut()
			if !ok {
				d.state = stateFill
				continue
			}
			if res, ok := d.parse(line); ok {
				return res, nil
			}

		case stateFlush:
			if line, ok := d.cut(); ok {
				if res, ok := d.parse(line); ok {
					return res, nil
				}
				continue
			}
			rest := d.buf
			d.buf = nil
			d.state = stateEnd
			if d.discarding {
				d.discarding = false
				continue
			}
			if res, ok := d.parse(rest); ok {
				return res, nil
			}

		case stateEnd:
			return gjson.Result{}, d.err
		}
	}
}

// Lines returns the number of non-empty lines seen so far.
func (d *Decoder) Lines() int {
	return d.lines
}

// Skipped returns the number of lines dropped so far.
func (d *Decoder) Skipped() int {
	return d.skipped
}

func (d *Decoder) fill() {
	// Move the unconsumed tail to the front before growing.
	if len(d.buf) > 0 && cap(d.buf)-len(d.buf) < len(d.chunk) {
		d.buf = append(make([]byte, 0, 2*cap(d.buf)+len(d.chunk)), d.buf...)
	}
	n, err := d.r.Read(d.chunk)
	d.buf = append(d.buf, d.chunk[:n]...)
	switch {
	case err == io.EOF:
		d.err = io.EOF
		d.state = stateFlush
	case err != nil:
		d.err = err
		d.buf = nil
		d.state = stateEnd
	default:
		d.state = stateSplit
	}
}

// cut returns the next complete line, excluding the newline. When no
// newline is buffered it enforces MaxLineSize and reports false.
func (d *Decoder) cut() ([]byte, bool) {
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			if max := d.maxLineSize(); len(d.buf) > max {
				if !d.discarding {
					d.skip(d.buf[:max], ErrLineTooLong)
					d.discarding = true
				}
				d.buf = d.buf[:0]
			}
			return nil, false
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		if d.discarding {
			// Tail of an oversized line.
			d.discarding = false
			continue
		}
		if len(line) > d.maxLineSize() {
			d.skip(line[:d.maxLineSize()], ErrLineTooLong)
			continue
		}
		return line, true
	}
}

func (d *Decoder) parse(line []byte) (gjson.Result, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return gjson.Result{}, false
	}
	d.lines++
	if !gjson.ValidBytes(line) {
		d.skip(line, ErrMalformedLine)
		return gjson.Result{}, false
	}
	// Parse a copy: the buffer is reused by the next fill.
	return gjson.Parse(string(line)), true
}

func (d *Decoder) skip(line []byte, reason error) {
	d.skipped++
	if d.OnSkip != nil {
		d.OnSkip(line, reason)
	}
}

func (d *Decoder) maxLineSize() int {
	if d.MaxLineSize > 0 {
		return d.MaxLineSize
	}
	return DefaultMaxLineSize
}
