package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(audioFormat)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(numChannels)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(sampleRate)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, byteRate); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(bitsPerSample)); err != nil {
		return err
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAVPCM16LE extracts raw PCM16LE samples and the sample rate from a
// mono PCM WAV blob. Only uncompressed 16-bit PCM is supported; anything
// else is a decoding error for the caller to classify.
func DecodeWAVPCM16LE(blob []byte) ([]byte, int, error) {
	if len(blob) < 44 {
		return nil, 0, fmt.Errorf("wav too short: %d bytes", len(blob))
	}
	if string(blob[0:4]) != "RIFF" || string(blob[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE container")
	}

	var (
		sampleRate int
		pcm        []byte
		sawFmt     bool
	)
	off := 12
	for off+8 <= len(blob) {
		chunkID := string(blob[off : off+4])
		chunkSize := int(binary.LittleEndian.Uint32(blob[off+4 : off+8]))
		body := off + 8
		if body+chunkSize > len(blob) {
			chunkSize = len(blob) - body
		}
		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, 0, fmt.Errorf("fmt chunk too short: %d bytes", chunkSize)
			}
			format := binary.LittleEndian.Uint16(blob[body : body+2])
			channels := binary.LittleEndian.Uint16(blob[body+2 : body+4])
			bits := binary.LittleEndian.Uint16(blob[body+14 : body+16])
			if format != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("unsupported wav encoding: format=%d bits=%d", format, bits)
			}
			if channels != 1 {
				return nil, 0, fmt.Errorf("unsupported channel count %d, want mono", channels)
			}
			sampleRate = int(binary.LittleEndian.Uint32(blob[body+4 : body+8]))
			sawFmt = true
		case "data":
			pcm = blob[body : body+chunkSize]
		}
		// Chunks are word-aligned.
		if chunkSize%2 == 1 {
			chunkSize++
		}
		off = body + chunkSize
	}

	if !sawFmt {
		return nil, 0, fmt.Errorf("missing fmt chunk")
	}
	if pcm == nil {
		return nil, 0, fmt.Errorf("missing data chunk")
	}
	if sampleRate <= 0 {
		return nil, 0, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	return pcm, sampleRate, nil
}

// PCMDuration returns the playback duration of raw PCM16LE mono audio.
func PCMDuration(pcm []byte, sampleRate int) float64 {
	if sampleRate <= 0 || len(pcm) == 0 {
		return 0
	}
	return float64(len(pcm)/2) / float64(sampleRate)
}
