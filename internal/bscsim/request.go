package bscsim

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/evhandl/internal/protocol"
	"github.com/danmuck/evhandl/internal/protocol/control"
	"github.com/danmuck/evhandl/internal/protocol/identity"
)

// Subscription is a subscribe request as the simulator decoded it.
type Subscription struct {
	EventID     uint16
	Cells       control.CellSelector
	FilterKind  identity.Kind
	FilterValue []byte
}

// ParseSubscription decodes a subscribe payload, CMN included.
func ParseSubscription(payload []byte) (Subscription, error) {
	r := wordReader{buf: payload}
	cmn := r.next()
	eid := r.next()
	cellLen := r.next()
	if r.err != nil || cmn != protocol.CMNSubscribe {
		return Subscription{}, fmt.Errorf("bscsim: malformed subscribe header % x", payload)
	}
	sub := Subscription{EventID: eid}
	switch cellLen {
	case 0:
		sub.Cells = control.NoCells()
	case control.AllCellsSentinel:
		sub.Cells = control.AllCells()
	default:
		cells := make([]uint16, 0, cellLen)
		for i := 0; i < int(cellLen); i++ {
			cells = append(cells, r.next())
		}
		sub.Cells = control.CellList(cells...)
	}
	filterLen := r.next()
	if r.err != nil {
		return Subscription{}, fmt.Errorf("bscsim: truncated subscribe: %w", r.err)
	}
	if filterLen > 0 {
		sub.FilterKind = identity.Kind(r.next())
		value := r.take(int(filterLen-1) * 2)
		if r.err != nil {
			return Subscription{}, fmt.Errorf("bscsim: truncated filter: %w", r.err)
		}
		sub.FilterValue = value
	}
	if r.remaining() != 0 {
		return Subscription{}, fmt.Errorf("bscsim: %d trailing bytes in subscribe", r.remaining())
	}
	return sub, nil
}

type wordReader struct {
	buf []byte
	off int
	err error
}

func (r *wordReader) next() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *wordReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("need %d bytes at offset %d, have %d", n, r.off, len(r.buf))
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *wordReader) remaining() int {
	return len(r.buf) - r.off
}
