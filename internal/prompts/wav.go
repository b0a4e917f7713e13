package prompts

import (
	"bytes"
	"encoding/binary"
	"time"
)

// SIP media application playback requires 16-bit signed PCM, mono, 8 kHz.
const (
	sampleRate    = 8000
	bitsPerSample = 16
	channels      = 1
)

// PlaceholderWAV returns a WAV file of d of silence in the playback format.
// Durations under 100ms are rounded up to 100ms.
func PlaceholderWAV(d time.Duration) []byte {
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	blockAlign := channels * bitsPerSample / 8
	dataSize := uint32(int64(sampleRate) * int64(d/time.Millisecond) / 1000 * int64(blockAlign))

	var buf bytes.Buffer
	buf.Grow(44 + int(dataSize))

	// RIFF header
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize)) // file size - 8
	buf.WriteString("WAVE")

	// fmt chunk
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16)) // chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // audio format: 1 = PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*blockAlign)) // byte rate
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	// data chunk; PCM silence is all zero bytes.
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(make([]byte, dataSize))

	return buf.Bytes()
}
