package protocol

// Channels multiplexed over one connection.
const (
	ChannelControl uint16 = 0
	ChannelData    uint16 = 2
)

// Control message numbers.
const (
	CMNConnect   uint16 = 1
	CMNSubscribe uint16 = 11
)

const (
	// HeaderLen is the size of every frame header on the wire.
	HeaderLen = 4
	// MaxMessageBytes is the largest payload the client will accept.
	MaxMessageBytes = 41000
	// ConnectReplyLen is the fixed size of the connect reply, header included.
	ConnectReplyLen = 10
)

// CommandKind selects which application the client talks to.
type CommandKind int

const (
	// CommandGMLog is the cell/identity oriented variant.
	CommandGMLog CommandKind = iota + 1
	// CommandRPMO is the cell-list only variant.
	CommandRPMO
)

func (k CommandKind) String() string {
	switch k {
	case CommandGMLog:
		return "gmlog"
	case CommandRPMO:
		return "rpmo"
	default:
		return "unknown"
	}
}
