package control

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/evhandl/internal/protocol"
	"github.com/danmuck/evhandl/internal/protocol/frame"
	"github.com/danmuck/evhandl/internal/protocol/identity"
)

const (
	// AllCellsSentinel in the cell list length field selects every cell.
	AllCellsSentinel uint16 = 0xFFFF
	MaxCells                = 2048

	// Event ids 0xFF00-0xFFFF are system events and take no filters.
	SystemEventMask uint16 = 0xFF00

	// Trouble-shooting events of the gmlog application; filters are illegal.
	EventTroubleShootingRP uint16 = 17
	EventTroubleShootingCP uint16 = 18
)

// CellMode selects how the cell pointer list is encoded.
type CellMode int

const (
	CellsNone CellMode = iota
	CellsAll
	CellsList
)

type CellSelector struct {
	Mode  CellMode
	Cells []uint16
}

func NoCells() CellSelector {
	return CellSelector{Mode: CellsNone}
}

func AllCells() CellSelector {
	return CellSelector{Mode: CellsAll}
}

func CellList(cells ...uint16) CellSelector {
	return CellSelector{Mode: CellsList, Cells: cells}
}

func (s CellSelector) String() string {
	switch s.Mode {
	case CellsAll:
		return "all"
	case CellsList:
		return fmt.Sprintf("%v", s.Cells)
	default:
		return "none"
	}
}

// SubscriptionRequest is one subscribe call for a single event id.
type SubscriptionRequest struct {
	Kind     protocol.CommandKind
	EventID  uint16
	Cells    CellSelector
	Identity *identity.Filter
}

// FiltersAllowed reports whether eventID may carry cell or identity filters.
func FiltersAllowed(kind protocol.CommandKind, eventID uint16) bool {
	if eventID&SystemEventMask == SystemEventMask {
		return false
	}
	if kind == protocol.CommandGMLog &&
		(eventID == EventTroubleShootingRP || eventID == EventTroubleShootingCP) {
		return false
	}
	return true
}

// ConnectRequest is the single-word control frame opening a session.
func ConnectRequest() frame.Frame {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, protocol.CMNConnect)
	return frame.Frame{Channel: protocol.ChannelControl, Payload: payload}
}

// Payload assembles CMN, event id, cell pointer list and filter block.
func (r SubscriptionRequest) Payload() ([]byte, error) {
	op := fmt.Sprintf("subscribe event %d", r.EventID)
	buf := make([]byte, 0, 10+2*len(r.Cells.Cells)+4+identity.IMSILen)
	buf = binary.BigEndian.AppendUint16(buf, protocol.CMNSubscribe)
	buf = binary.BigEndian.AppendUint16(buf, r.EventID)

	if !FiltersAllowed(r.Kind, r.EventID) {
		buf = binary.BigEndian.AppendUint16(buf, 0) // cell pointer list length
		buf = binary.BigEndian.AppendUint16(buf, 0) // filter length
		return buf, nil
	}

	switch r.Cells.Mode {
	case CellsNone:
		buf = binary.BigEndian.AppendUint16(buf, 0)
	case CellsAll:
		buf = binary.BigEndian.AppendUint16(buf, AllCellsSentinel)
	case CellsList:
		if len(r.Cells.Cells) == 0 || len(r.Cells.Cells) > MaxCells {
			return nil, protocol.Errorf(protocol.KindInvalidConfiguration, op,
				"%d cells in cell list, 1 to %d shall be used", len(r.Cells.Cells), MaxCells)
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Cells.Cells)))
		for _, cell := range r.Cells.Cells {
			buf = binary.BigEndian.AppendUint16(buf, cell)
		}
	default:
		return nil, protocol.Errorf(protocol.KindInvalidConfiguration, op, "unknown cell mode %d", r.Cells.Mode)
	}

	if r.Identity == nil {
		buf = binary.BigEndian.AppendUint16(buf, 0)
		return buf, nil
	}
	if len(r.Identity.Value)%2 != 0 {
		return nil, protocol.Errorf(protocol.KindInvalidIdentity, op,
			"%s filter of %d bytes is not word aligned", r.Identity.Kind, len(r.Identity.Value))
	}
	buf = binary.BigEndian.AppendUint16(buf, r.Identity.LengthWords())
	buf = binary.BigEndian.AppendUint16(buf, uint16(r.Identity.Kind))
	buf = append(buf, r.Identity.Value...)
	return buf, nil
}

func EncodeSubscribe(r SubscriptionRequest) (frame.Frame, error) {
	payload, err := r.Payload()
	if err != nil {
		return frame.Frame{}, err
	}
	if len(payload) > protocol.MaxMessageBytes {
		return frame.Frame{}, protocol.Errorf(protocol.KindInvalidConfiguration,
			fmt.Sprintf("subscribe event %d", r.EventID),
			"request of %d bytes exceeds %d", len(payload), protocol.MaxMessageBytes)
	}
	return frame.Frame{Channel: protocol.ChannelControl, Payload: payload}, nil
}
