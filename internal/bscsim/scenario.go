package bscsim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danmuck/evhandl/internal/protocol"
)

var ErrInvalidScenario = errors.New("bscsim: invalid scenario")

// Scenario scripts how the simulated BSC answers one client session.
type Scenario struct {
	Name               string `yaml:"name"`
	ConnectResult      uint8  `yaml:"connect_result"`
	ProtocolVersion    uint8  `yaml:"protocol_version"`
	ApplicationVersion uint8  `yaml:"application_version"`
	// SubscribeResults maps an event id to the result code of its reply.
	// Event ids not listed are accepted.
	SubscribeResults map[uint16]uint16 `yaml:"subscribe_results"`
	// InterleavedFrames data frames are sent ahead of every subscribe reply.
	InterleavedFrames int         `yaml:"interleaved_frames"`
	Events            EventStream `yaml:"events"`
}

// EventStream describes the data frames sent once a subscription succeeds.
type EventStream struct {
	PayloadBytes int           `yaml:"payload_bytes"`
	Count        int           `yaml:"count"`
	Interval     time.Duration `yaml:"interval"`
	Channel      uint16        `yaml:"channel"`
	// OversizeHeader ends the stream with a header announcing more than the
	// client accepts.
	OversizeHeader bool `yaml:"oversize_header"`
	// CloseAfter drops the connection once the stream is sent.
	CloseAfter bool `yaml:"close_after"`
}

func DefaultScenario() Scenario {
	return Scenario{
		Name:               "default",
		ProtocolVersion:    1,
		ApplicationVersion: 1,
		SubscribeResults:   map[uint16]uint16{},
		Events: EventStream{
			PayloadBytes: 96,
			Interval:     10 * time.Millisecond,
			Channel:      protocol.ChannelData,
		},
	}
}

// LoadScenario reads a YAML scenario over the defaults. Unknown keys fail.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("scenario load failed (%s): %w", path, err)
	}
	return ParseScenario(data)
}

func ParseScenario(data []byte) (Scenario, error) {
	sc := DefaultScenario()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil && !errors.Is(err, io.EOF) {
		return Scenario{}, fmt.Errorf("scenario parse failed: %w", err)
	}
	if sc.SubscribeResults == nil {
		sc.SubscribeResults = map[uint16]uint16{}
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

func (sc Scenario) Validate() error {
	if sc.ConnectResult > 0x1F {
		return fmt.Errorf("%w: connect_result %d does not fit five bits", ErrInvalidScenario, sc.ConnectResult)
	}
	if sc.InterleavedFrames < 0 {
		return fmt.Errorf("%w: interleaved_frames must not be negative", ErrInvalidScenario)
	}
	ev := sc.Events
	if ev.PayloadBytes < 0 || ev.PayloadBytes%2 != 0 || ev.PayloadBytes > protocol.MaxMessageBytes {
		return fmt.Errorf("%w: payload_bytes %d must be even and within 0..%d",
			ErrInvalidScenario, ev.PayloadBytes, protocol.MaxMessageBytes)
	}
	if ev.Count < 0 || ev.Interval < 0 {
		return fmt.Errorf("%w: count and interval must not be negative", ErrInvalidScenario)
	}
	return nil
}

// SubscribeResult is the reply code for eventID.
func (sc Scenario) SubscribeResult(eventID uint16) uint16 {
	return sc.SubscribeResults[eventID]
}

func Template() string {
	return scenarioTemplate
}

const scenarioTemplate = `name: steady
connect_result: 0
protocol_version: 1
application_version: 1
# event id -> subscribe result code; unlisted ids are accepted
subscribe_results:
  300: 7
interleaved_frames: 0
events:
  payload_bytes: 96
  count: 0          # 0 streams until the client leaves
  interval: 10ms
  channel: 2
  oversize_header: false
  close_after: false
`
