package control

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/evhandl/internal/protocol"
	"github.com/danmuck/evhandl/internal/protocol/frame"
)

// Only 15 connect result codes exist, so the reply keeps them in b00-b04.
const connectResultMask = 0x1F

var connectReasons = map[uint8]string{
	2: "the client is not authorised to connect",
	3: "the BSC can not handle the request, try again later",
	4: "the CMN is invalid",
	5: "already connected",
}

var subscribeReasons = map[uint8]string{
	1:  "the subscription failed for the requested cells",
	3:  "the BSC can not handle the request, try again later",
	4:  "the CMN is invalid",
	6:  "the client is not connected",
	7:  "submitted EID is invalid",
	8:  "submitted cell pointer list is invalid",
	9:  "the subscription failed, the reason is unknown",
	10: "it is not allowed to subscribe to the EID",
	11: "submitted filter is invalid",
	13: "high load",
}

func ConnectReason(code uint8) string {
	if reason, ok := connectReasons[code]; ok {
		return reason
	}
	return "unknown result code"
}

// SubscribeReason names the result held in the low byte of the reply word.
func SubscribeReason(code uint8) string {
	if reason, ok := subscribeReasons[code]; ok {
		return reason
	}
	return "unrecognised result code"
}

// ConnectReply is the fixed 10 byte answer to ConnectRequest.
type ConnectReply struct {
	Raw                [protocol.ConnectReplyLen]byte
	Code               uint8
	ProtocolVersion    uint8
	ApplicationVersion uint8
}

func ParseConnectReply(raw [protocol.ConnectReplyLen]byte) ConnectReply {
	return ConnectReply{
		Raw:                raw,
		Code:               raw[7] & connectResultMask,
		ProtocolVersion:    raw[8],
		ApplicationVersion: raw[9],
	}
}

// Err maps a nonzero result to ConnectionRejected.
func (r ConnectReply) Err() error {
	if r.Code == 0 {
		return nil
	}
	return &protocol.Error{
		Kind:   protocol.KindConnectionRejected,
		Op:     "connect",
		Code:   int(r.Code),
		Reason: ConnectReason(r.Code),
	}
}

// SubscribeReply is the control channel answer to a subscribe request.
type SubscribeReply struct {
	CMN    uint16
	Result uint16
}

func ParseSubscribeReply(f frame.Frame) (SubscribeReply, error) {
	if f.Channel != protocol.ChannelControl {
		return SubscribeReply{}, protocol.Errorf(protocol.KindProtocolViolation, "subscribe reply",
			"reply on channel %d", f.Channel)
	}
	if len(f.Payload) < 4 {
		return SubscribeReply{}, protocol.Errorf(protocol.KindProtocolViolation, "subscribe reply",
			"reply payload of %d bytes, expected at least 4", len(f.Payload))
	}
	reply := SubscribeReply{
		CMN:    binary.BigEndian.Uint16(f.Payload[0:2]),
		Result: binary.BigEndian.Uint16(f.Payload[2:4]),
	}
	if reply.CMN != protocol.CMNSubscribe {
		return SubscribeReply{}, protocol.Errorf(protocol.KindProtocolViolation, "subscribe reply",
			"reply carries CMN %d, expected %d", reply.CMN, protocol.CMNSubscribe)
	}
	return reply, nil
}

// Err maps a nonzero result to SubscriptionRejected for eventID. Code keeps
// the full word.
func (r SubscribeReply) Err(eventID uint16) error {
	if r.Result == 0 {
		return nil
	}
	return &protocol.Error{
		Kind:   protocol.KindSubscriptionRejected,
		Op:     fmt.Sprintf("subscribe event %d", eventID),
		Code:   int(r.Result),
		Reason: SubscribeReason(uint8(r.Result)),
	}
}
