package parser

import (
	"context"
	"fmt"
	"io"
)

// base implements the bookkeeping shared by every Stream. Concrete streams
// supply fetch, which returns the next record's fields, errSkip for a
// malformed record, or io.EOF.
type base struct {
	ctx       context.Context
	fetch     func() (map[string]any, error)
	closers   []io.Closer
	rec       Record
	next      int
	malformed int
	err       error
	done      bool
	meta      Metadata
}

type skipError struct{ cause error }

func (e skipError) Error() string { return "malformed record: " + e.cause.Error() }

func errSkip(cause error) error { return skipError{cause: cause} }

func (b *base) Next() bool {
	if b.done {
		return false
	}
	for {
		if err := b.ctx.Err(); err != nil {
			return b.finish(err)
		}

		fields, err := b.fetch()
		if err == nil {
			b.rec = Record{Index: b.next, Fields: fields}
			b.next++
			return true
		}
		if _, ok := err.(skipError); ok {
			b.malformed++
			continue
		}
		if err == io.EOF {
			return b.finish(nil)
		}
		return b.finish(err)
	}
}

// finish ends the stream. A clean end with nothing but malformed records is
// reported as ErrNoRecords.
func (b *base) finish(err error) bool {
	b.done = true
	if err == nil && b.next == 0 && b.malformed > 0 {
		err = fmt.Errorf("%w: %d malformed records", ErrNoRecords, b.malformed)
	}
	b.err = err
	return false
}

func (b *base) Record() Record     { return b.rec }
func (b *base) Err() error         { return b.err }
func (b *base) Malformed() int     { return b.malformed }
func (b *base) Metadata() Metadata { return b.meta }

func (b *base) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}

func (b *base) warn(format string, args ...any) {
	b.meta.Warnings = append(b.meta.Warnings, fmt.Sprintf(format, args...))
}
