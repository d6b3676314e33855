// Package packettest builds synthetic sensor payloads for tests.
package packettest

import "encoding/binary"

// Sample describes one synthetic sample record.
type Sample struct {
	Trigger     bool
	TimestampUs uint32
}

// Build assembles a legacy-header payload: an 18-byte null-padded device
// identifier followed by 53-byte sample records.
func Build(deviceID string, samples []Sample) []byte {
	buf := make([]byte, 18+len(samples)*53)
	copy(buf, deviceID)
	for i, s := range samples {
		rec := buf[18+i*53:]
		if s.Trigger {
			rec[48] = 1
		}
		binary.LittleEndian.PutUint32(rec[49:], s.TimestampUs)
	}
	return buf
}

// Ramp builds a payload whose samples carry evenly spaced timestamps
// starting at start with the given step, no triggers set.
func Ramp(deviceID string, start, step uint32, n int) []byte {
	samples := make([]Sample, n)
	for i := range samples {
		samples[i] = Sample{TimestampUs: start + uint32(i)*step}
	}
	return Build(deviceID, samples)
}

// BuildChannelMap assembles a v4 channel-map payload followed by sample
// records. Each name is truncated to 8 bytes.
func BuildChannelMap(names []string, samples []Sample) []byte {
	header := make([]byte, 4+len(names)*10)
	header[0] = 0x04
	header[1] = byte(len(names))
	for i, name := range names {
		entry := header[4+i*10:]
		copy(entry[:8], name)
		entry[8] = 0x01
	}
	buf := make([]byte, len(header)+len(samples)*53)
	copy(buf, header)
	for i, s := range samples {
		rec := buf[len(header)+i*53:]
		if s.Trigger {
			rec[48] = 1
		}
		binary.LittleEndian.PutUint32(rec[49:], s.TimestampUs)
	}
	return buf
}
