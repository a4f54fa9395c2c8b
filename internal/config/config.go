package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/danmuck/evhandl/internal/protocol"
	"github.com/danmuck/evhandl/internal/protocol/control"
	"github.com/danmuck/evhandl/internal/protocol/identity"
)

const (
	MaxBytesCeiling   uint64 = 10_000_000_000
	MaxSecondsCeiling uint32 = 3600
	MaxEventIDs              = 64

	BytesPerMB       = 1_000_000
	SecondsPerMinute = 60
)

// Limits bound a session. Both are fixed once the session starts.
type Limits struct {
	MaxBytes   uint64
	MaxSeconds uint32
}

func DefaultLimits() Limits {
	return Limits{MaxBytes: MaxBytesCeiling, MaxSeconds: MaxSecondsCeiling}
}

// LimitsFromUnits converts operator units (megabytes, minutes) into Limits.
func LimitsFromUnits(megabytes uint64, minutes uint32) (Limits, error) {
	if megabytes > MaxBytesCeiling/BytesPerMB {
		return Limits{}, protocol.Errorf(protocol.KindInvalidConfiguration, "limits",
			"max supported output file size is %d megabytes", MaxBytesCeiling/BytesPerMB)
	}
	if minutes > MaxSecondsCeiling/SecondsPerMinute {
		return Limits{}, protocol.Errorf(protocol.KindInvalidConfiguration, "limits",
			"max supported logging time is %d minutes", MaxSecondsCeiling/SecondsPerMinute)
	}
	l := Limits{MaxBytes: megabytes * BytesPerMB, MaxSeconds: minutes * SecondsPerMinute}
	return l, l.Validate()
}

func (l Limits) Validate() error {
	if l.MaxBytes == 0 || l.MaxBytes > MaxBytesCeiling {
		return protocol.Errorf(protocol.KindInvalidConfiguration, "limits",
			"max bytes %d outside 1..%d", l.MaxBytes, MaxBytesCeiling)
	}
	if l.MaxSeconds == 0 || l.MaxSeconds > MaxSecondsCeiling {
		return protocol.Errorf(protocol.KindInvalidConfiguration, "limits",
			"max seconds %d outside 1..%d", l.MaxSeconds, MaxSecondsCeiling)
	}
	return nil
}

// Options is everything the session needs for one run.
type Options struct {
	Kind     protocol.CommandKind
	Host     string
	Port     uint16
	EventIDs []uint16
	Cells    control.CellSelector
	Identity *identity.Filter
	// Output is a file path, or "-" for stdout.
	Output string
	Limits Limits
}

func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(int(o.Port)))
}

func (o Options) Validate() error {
	switch o.Kind {
	case protocol.CommandGMLog, protocol.CommandRPMO:
	default:
		return protocol.Errorf(protocol.KindInvalidConfiguration, "options", "unknown command kind %d", int(o.Kind))
	}
	if strings.TrimSpace(o.Host) == "" {
		return protocol.Errorf(protocol.KindInvalidConfiguration, "options", "missing host")
	}
	if o.Port == 0 {
		return protocol.Errorf(protocol.KindInvalidConfiguration, "options", "missing port")
	}
	if len(o.EventIDs) == 0 || len(o.EventIDs) > MaxEventIDs {
		return protocol.Errorf(protocol.KindInvalidConfiguration, "options",
			"%d event ids given, expected 1..%d", len(o.EventIDs), MaxEventIDs)
	}
	if o.Cells.Mode == control.CellsList && (len(o.Cells.Cells) == 0 || len(o.Cells.Cells) > control.MaxCells) {
		return protocol.Errorf(protocol.KindInvalidConfiguration, "options",
			"%d cells given, expected 1..%d", len(o.Cells.Cells), control.MaxCells)
	}
	if o.Identity != nil {
		if o.Kind != protocol.CommandGMLog {
			return protocol.Errorf(protocol.KindInvalidConfiguration, "options",
				"%s filter only allowed for gmlog", o.Identity.Kind)
		}
		if o.Cells.Mode != control.CellsNone {
			return protocol.Errorf(protocol.KindInvalidConfiguration, "options",
				"one and only one of cell list, imsi or tlli may be given")
		}
	}
	if o.Output == "" {
		return protocol.Errorf(protocol.KindInvalidConfiguration, "options", "missing output")
	}
	return o.Limits.Validate()
}

// Requests expands the options into one subscribe request per event id,
// in the order the ids were given.
func (o Options) Requests() []control.SubscriptionRequest {
	out := make([]control.SubscriptionRequest, 0, len(o.EventIDs))
	for _, eid := range o.EventIDs {
		out = append(out, control.SubscriptionRequest{
			Kind:     o.Kind,
			EventID:  eid,
			Cells:    o.Cells,
			Identity: o.Identity,
		})
	}
	return out
}

// ParsePort accepts a decimal TCP port in 1..65535.
func ParsePort(raw string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil || v == 0 {
		return 0, &protocol.Error{
			Kind:   protocol.KindInvalidConfiguration,
			Op:     "port",
			Reason: fmt.Sprintf("%q is not a valid port", raw),
			Err:    err,
		}
	}
	return uint16(v), nil
}
