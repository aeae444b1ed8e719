package annexb

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/zsiec/multiscreen/internal/media"
)

// WriterStats is a snapshot of a Writer's counters.
type WriterStats struct {
	AccessUnits   int64 `json:"accessUnits"`
	ParameterSets int64 `json:"parameterSets"`
	BytesWritten  int64 `json:"bytesWritten"`
	Rejected      int64 `json:"rejected"`
}

// Writer frames access units onto an io.Writer, issuing one Write per access
// unit. Writes must not be issued concurrently; Stats may be read from any
// goroutine.
type Writer struct {
	w      io.Writer
	framer Framer
	buf    []byte

	accessUnits   atomic.Int64
	parameterSets atomic.Int64
	bytesWritten  atomic.Int64
	rejected      atomic.Int64
}

// NewWriter returns a Writer that frames onto w.
func NewWriter(w io.Writer, repeatOnKeyframe bool) *Writer {
	return &Writer{
		w:      w,
		framer: Framer{RepeatOnKeyframe: repeatOnKeyframe},
	}
}

// SetParameterSets queues new parameter sets; they go out with the next
// access unit.
func (w *Writer) SetParameterSets(sets ...media.ParameterSet) error {
	if err := w.framer.SetParameterSets(sets...); err != nil {
		w.rejected.Add(1)
		return err
	}
	return nil
}

// WriteAccessUnit frames au and writes it. A rejected access unit writes
// nothing and leaves the stream usable.
func (w *Writer) WriteAccessUnit(au *media.AccessUnit) error {
	sentBefore := w.framer.ParameterSetsSent()
	buf, err := w.framer.AppendAccessUnit(w.buf[:0], au)
	if err != nil {
		w.rejected.Add(1)
		return err
	}
	w.buf = buf
	w.parameterSets.Add(w.framer.ParameterSetsSent() - sentBefore)

	n, err := w.w.Write(buf)
	w.bytesWritten.Add(int64(n))
	if err != nil {
		return fmt.Errorf("write access unit: %w", err)
	}
	w.accessUnits.Add(1)
	return nil
}

// Reset points the writer at dst, typically a fresh connection, and makes the
// next access unit carry the parameter sets again.
func (w *Writer) Reset(dst io.Writer) {
	w.w = dst
	w.framer.Reset()
}

// Stats returns a snapshot of the writer's counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		AccessUnits:   w.accessUnits.Load(),
		ParameterSets: w.parameterSets.Load(),
		BytesWritten:  w.bytesWritten.Load(),
		Rejected:      w.rejected.Load(),
	}
}
