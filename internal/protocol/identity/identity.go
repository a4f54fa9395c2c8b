package identity

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/evhandl/internal/protocol"
)

const (
	IMSILen = 10
	TLLILen = 4

	// imsiOffset is the octet holding the first BCD digit.
	imsiOffset    = 3
	maxTLLIDigits = 10
)

// Kind is the filter id carried on the wire.
type Kind uint16

const (
	KindIMSI Kind = 1
	KindTLLI Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindIMSI:
		return "imsi"
	case KindTLLI:
		return "tlli"
	default:
		return fmt.Sprintf("filter(%d)", uint16(k))
	}
}

// Filter is an encoded subscriber identity ready for a subscribe request.
type Filter struct {
	Kind  Kind
	Value []byte
}

// LengthWords is the filter length field: the filter id word plus the value.
func (f Filter) LengthWords() uint16 {
	return uint16(len(f.Value)/2 + 1)
}

func IMSIFilter(digits string) (Filter, error) {
	buf, err := EncodeIMSI(digits)
	if err != nil {
		return Filter{}, err
	}
	return Filter{Kind: KindIMSI, Value: buf[:]}, nil
}

func TLLIFilter(digits string) (Filter, error) {
	buf, err := EncodeTLLI(digits)
	if err != nil {
		return Filter{}, err
	}
	return Filter{Kind: KindTLLI, Value: buf[:]}, nil
}

// EncodeIMSI packs a 14 or 15 digit IMSI.
//
//	| DW0       | DW1         | DW2         | DW3          | DW4           |
//	| 0   | 1   | 2    | 3    | 4    | 5    | 6    | 7     | 8     | 9     |
//	| spare|len | d3 d2 d1 typ| d7 d6 d5 d4 | d11 d10 d9 d8| d15 d14 d13 d12|
//
// Octet 3 low nibble is the identity type (1) with the odd flag in bit 3.
func EncodeIMSI(digits string) ([IMSILen]byte, error) {
	var buf [IMSILen]byte
	n := len(digits)
	switch n {
	case 14:
		buf[imsiOffset] = 0x01
	case 15:
		buf[imsiOffset] = 0x09
	default:
		return buf, protocol.Errorf(protocol.KindInvalidIdentity, "encode imsi",
			"%d digits in IMSI, 14 or 15 digits shall be used", n)
	}
	buf[0] = 0
	buf[1] = 8

	for i := 1; i <= n; i++ {
		c := digits[i-1]
		if c < '0' || c > '9' {
			return [IMSILen]byte{}, protocol.Errorf(protocol.KindInvalidIdentity, "encode imsi",
				"position %d contains illegal character %q", i, c)
		}
		digit := c - '0'
		offset := imsiDigitOffset(i)
		if i%2 == 1 {
			buf[offset] |= digit << 4
		} else {
			// Even digits land first in their octet, so a plain store clears
			// the high nibble before the following odd digit fills it.
			buf[offset] = digit
		}
	}
	return buf, nil
}

// DecodeIMSIDigits reverses EncodeIMSI.
func DecodeIMSIDigits(buf [IMSILen]byte) (string, error) {
	var n int
	switch buf[imsiOffset] & 0x0F {
	case 0x01:
		n = 14
	case 0x09:
		n = 15
	default:
		return "", protocol.Errorf(protocol.KindInvalidIdentity, "decode imsi",
			"unexpected type nibble 0x%x", buf[imsiOffset]&0x0F)
	}
	var b strings.Builder
	b.Grow(n)
	for i := 1; i <= n; i++ {
		octet := buf[imsiDigitOffset(i)]
		if i%2 == 1 {
			octet >>= 4
		}
		b.WriteByte('0' + octet&0x0F)
	}
	return b.String(), nil
}

func imsiDigitOffset(i int) int {
	word := i / 4
	nibble := i % 4
	return word*2 - nibble/2 + imsiOffset
}

// EncodeTLLI packs a decimal TLLI into the byte order the BSC expects:
// bits 8-15, bits 0-7, bits 24-31, bits 16-23.
func EncodeTLLI(digits string) ([TLLILen]byte, error) {
	var buf [TLLILen]byte
	n := len(digits)
	if n == 0 || n > maxTLLIDigits {
		return buf, protocol.Errorf(protocol.KindInvalidIdentity, "encode tlli",
			"%d digits in TLLI, 1 to %d digits shall be used", n, maxTLLIDigits)
	}
	for i := 0; i < n; i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return buf, protocol.Errorf(protocol.KindInvalidIdentity, "encode tlli",
				"position %d contains illegal character %q", i+1, digits[i])
		}
	}
	v, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return buf, protocol.Errorf(protocol.KindInvalidIdentity, "encode tlli",
			"%s does not fit in 32 bits", digits)
	}
	return SwapTLLI(uint32(v)), nil
}

func SwapTLLI(v uint32) [TLLILen]byte {
	return [TLLILen]byte{
		byte(v >> 8),
		byte(v),
		byte(v >> 24),
		byte(v >> 16),
	}
}
