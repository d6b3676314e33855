// Package packet parses the decompressed sensor wire format: a fixed
// header followed by an array of fixed-size sample records. The parser
// is a read-only view over the caller's buffer; sample records are never
// copied.
package packet

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// legacyHeaderSize is the size of the legacy header: the device
	// identifier as null-terminated ASCII within an 18-byte field.
	legacyHeaderSize = 18

	// versionChannelMap marks the alternative header carrying a channel
	// map instead of a device identifier.
	versionChannelMap = 0x04

	channelMapFixedSize = 4 // version(1) num_channels(1) reserved(2)
	channelEntrySize    = 10
	channelNameSize     = 8

	sampleSize      = 53
	triggerOffset   = 48
	timestampOffset = 49
)

// Kind distinguishes the two header forms.
type Kind int

const (
	// KindLegacy is the 18-byte device-identifier header.
	KindLegacy Kind = iota
	// KindChannelMap is the v4 header with per-channel metadata.
	KindChannelMap
)

// Channel describes one entry of a v4 channel map.
type Channel struct {
	Name string
	Type byte
}

// Packet is a parsed view over a decompressed sensor payload.
type Packet struct {
	buf        []byte
	kind       Kind
	headerSize int
	deviceID   string
	channels   []Channel
}

// Parse validates the buffer and returns a view over it. The buffer must
// not be modified while the Packet is in use.
func Parse(buf []byte) (*Packet, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	p := &Packet{buf: buf}

	if buf[0] == versionChannelMap {
		if err := p.parseChannelMap(); err != nil {
			return nil, err
		}
	} else {
		if len(buf) < legacyHeaderSize {
			return nil, fmt.Errorf("payload too short for header: %d bytes", len(buf))
		}
		p.kind = KindLegacy
		p.headerSize = legacyHeaderSize
		p.deviceID = asciiField(buf[:legacyHeaderSize])
		if p.deviceID == "" {
			return nil, fmt.Errorf("empty device identifier in header")
		}
	}

	body := len(buf) - p.headerSize
	if body < sampleSize {
		return nil, fmt.Errorf("payload has no complete sample: %d body bytes", body)
	}
	if rem := body % sampleSize; rem != 0 {
		return nil, fmt.Errorf("truncated sample record: %d trailing bytes", rem)
	}

	return p, nil
}

func (p *Packet) parseChannelMap() error {
	if len(p.buf) < channelMapFixedSize {
		return fmt.Errorf("payload too short for channel-map header: %d bytes", len(p.buf))
	}
	n := int(p.buf[1])
	size := channelMapFixedSize + n*channelEntrySize
	if len(p.buf) < size {
		return fmt.Errorf("channel-map header declares %d channels but payload holds %d bytes", n, len(p.buf))
	}

	p.kind = KindChannelMap
	p.headerSize = size
	p.channels = make([]Channel, n)
	for i := 0; i < n; i++ {
		entry := p.buf[channelMapFixedSize+i*channelEntrySize:]
		p.channels[i] = Channel{
			Name: asciiField(entry[:channelNameSize]),
			Type: entry[channelNameSize],
		}
	}
	return nil
}

// Kind returns which header form the packet carries.
func (p *Packet) Kind() Kind { return p.kind }

// DeviceID returns the device identifier from a legacy header, or ""
// for channel-map packets.
func (p *Packet) DeviceID() string { return p.deviceID }

// Channels returns the channel map from a v4 header, or nil for legacy
// packets.
func (p *Packet) Channels() []Channel { return p.channels }

// NumSamples returns the number of complete sample records.
func (p *Packet) NumSamples() int {
	return (len(p.buf) - p.headerSize) / sampleSize
}

func (p *Packet) sample(i int) []byte {
	off := p.headerSize + i*sampleSize
	return p.buf[off : off+sampleSize]
}

// Timestamp returns the device-clock microsecond timestamp of sample i.
func (p *Packet) Timestamp(i int) uint32 {
	return binary.LittleEndian.Uint32(p.sample(i)[timestampOffset:])
}

// Trigger reports whether sample i carries a trigger pulse.
func (p *Packet) Trigger(i int) bool {
	return p.sample(i)[triggerOffset] == 1
}

// StartTime returns the first sample's device timestamp.
func (p *Packet) StartTime() uint32 { return p.Timestamp(0) }

// EndTime returns the last sample's device timestamp.
func (p *Packet) EndTime() uint32 { return p.Timestamp(p.NumSamples() - 1) }

// Triggers returns the device timestamps of all trigger samples, in
// record order.
func (p *Packet) Triggers() []uint32 {
	var out []uint32
	for i, n := 0, p.NumSamples(); i < n; i++ {
		if p.Trigger(i) {
			out = append(out, p.Timestamp(i))
		}
	}
	return out
}

// asciiField extracts a null-terminated ASCII string from a fixed field.
func asciiField(b []byte) string {
	s := string(b)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
