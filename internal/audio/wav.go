package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// WAV format tags understood by ParseWAV.
const (
	WAVFormatPCM  = 1
	WAVFormatULaw = 7
)

// WAV is a parsed RIFF/WAVE container.
type WAV struct {
	Format        uint16
	Channels      int
	SampleRate    int
	BitsPerSample int
	Data          []byte
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}

// ParseWAV walks the RIFF chunks and returns the fmt and data payloads.
// Unknown chunks (LIST, fact) are skipped.
func ParseWAV(data []byte) (WAV, error) {
	if !IsWAV(data) {
		return WAV{}, errors.New("not a RIFF/WAVE file")
	}
	var w WAV
	var haveFmt, haveData bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if size < 0 || end > len(data) {
			// Streaming encoders sometimes write a bogus data size.
			if id == "data" {
				end = len(data)
			} else {
				return WAV{}, fmt.Errorf("chunk %q overruns file", id)
			}
		}
		switch id {
		case "fmt ":
			if end-body < 16 {
				return WAV{}, errors.New("fmt chunk too short")
			}
			f := data[body:end]
			w.Format = binary.LittleEndian.Uint16(f[0:2])
			w.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
			w.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			w.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			haveFmt = true
		case "data":
			w.Data = data[body:end]
			haveData = true
		}
		pos = end
		if size%2 == 1 {
			pos++
		}
	}
	if !haveFmt {
		return WAV{}, errors.New("missing fmt chunk")
	}
	if !haveData {
		return WAV{}, errors.New("missing data chunk")
	}
	return w, nil
}

// EncodeWAV wraps mono PCM16LE samples in a minimal RIFF header.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	var b bytes.Buffer
	dataSize := uint32(len(pcm))
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36)+dataSize)
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(WAVFormatPCM))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate*BytesPerSample))
	_ = binary.Write(&b, binary.LittleEndian, uint16(BytesPerSample))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, dataSize)
	b.Write(pcm)
	return b.Bytes()
}
