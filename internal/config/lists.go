package config

import (
	"strconv"
	"strings"

	"github.com/danmuck/evhandl/internal/protocol"
	"github.com/danmuck/evhandl/internal/protocol/control"
)

// ParseEventList splits raw on spaces and commas into 1..64 event ids.
func ParseEventList(raw string) ([]uint16, error) {
	return parseList("event list", "Event ID", raw, MaxEventIDs)
}

// ParseCellList splits raw into at most 2048 cell pointers. A lone 65535
// selects all cells.
func ParseCellList(raw string) (control.CellSelector, error) {
	cells, err := parseList("cell list", "cell", raw, control.MaxCells)
	if err != nil {
		return control.CellSelector{}, err
	}
	for _, c := range cells {
		if c != control.AllCellsSentinel {
			continue
		}
		if len(cells) != 1 {
			return control.CellSelector{}, protocol.Errorf(protocol.KindInvalidConfiguration, "cell list",
				"%d selects all cells and must be given alone", control.AllCellsSentinel)
		}
		return control.AllCells(), nil
	}
	return control.CellList(cells...), nil
}

func parseList(op, what, raw string, max int) ([]uint16, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, protocol.Errorf(protocol.KindInvalidConfiguration, op, "empty %s", op)
	}
	if len(fields) > max {
		return nil, protocol.Errorf(protocol.KindInvalidConfiguration, op,
			"too many entries specified; max is %d", max)
	}
	out := make([]uint16, 0, len(fields))
	for _, f := range fields {
		if !allDigits(f) {
			return nil, protocol.Errorf(protocol.KindInvalidConfiguration, op, "%s is not a valid %s", f, what)
		}
		v, err := strconv.ParseUint(f, 10, 16)
		if err != nil {
			return nil, protocol.Errorf(protocol.KindInvalidConfiguration, op,
				"%s is not a valid %s: above %d", f, what, 0xFFFF)
		}
		out = append(out, uint16(v))
	}
	return out, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
