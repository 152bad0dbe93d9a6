package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// wavHeaderSize is the size of the canonical PCM WAV header.
const wavHeaderSize = 44

// ErrInvalidWAV is returned when a buffer does not start with a PCM WAV header.
var ErrInvalidWAV = errors.New("audio: invalid wav header")

// putWAVHeader fills buf[0:44] for dataSize bytes of PCM in format f.
func putWAVHeader(buf []byte, f Format, dataSize int) {
	byteRate := f.BytesPerSecond()
	blockAlign := f.Channels * f.BitDepth / 8

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(f.BitDepth))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
}

// EncodeWAV wraps raw little-endian PCM in a WAV container.
func EncodeWAV(pcm []byte, f Format) []byte {
	buf := make([]byte, wavHeaderSize+len(pcm))
	putWAVHeader(buf, f, len(pcm))
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// ParseWAVHeader validates the header of a PCM WAV buffer and returns its
// format and the length of the data chunk.
func ParseWAVHeader(b []byte) (Format, int, error) {
	if len(b) < wavHeaderSize {
		return Format{}, 0, fmt.Errorf("%w: %d bytes", ErrInvalidWAV, len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[12:16]) != "fmt " || string(b[36:40]) != "data" {
		return Format{}, 0, ErrInvalidWAV
	}
	if binary.LittleEndian.Uint16(b[20:22]) != 1 {
		return Format{}, 0, fmt.Errorf("%w: not PCM", ErrInvalidWAV)
	}
	f := Format{
		Channels:   int(binary.LittleEndian.Uint16(b[22:24])),
		SampleRate: int(binary.LittleEndian.Uint32(b[24:28])),
		BitDepth:   int(binary.LittleEndian.Uint16(b[34:36])),
	}
	return f, int(binary.LittleEndian.Uint32(b[40:44])), nil
}

// WAVWriter streams PCM into a WAV file whose length is not known up front.
// The header is written with a zero length and patched by Close.
type WAVWriter struct {
	w      io.WriteSeeker
	format Format
	n      int
}

// NewWAVWriter writes a placeholder header to w.
func NewWAVWriter(w io.WriteSeeker, f Format) (*WAVWriter, error) {
	var hdr [wavHeaderSize]byte
	putWAVHeader(hdr[:], f, 0)
	if _, err := w.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("audio: write wav header: %w", err)
	}
	return &WAVWriter{w: w, format: f}, nil
}

// Write appends PCM bytes.
func (ww *WAVWriter) Write(pcm []byte) (int, error) {
	n, err := ww.w.Write(pcm)
	ww.n += n
	return n, err
}

// Len returns the number of PCM bytes written so far.
func (ww *WAVWriter) Len() int { return ww.n }

// Close patches the header sizes. It does not close the underlying writer.
func (ww *WAVWriter) Close() error {
	var hdr [wavHeaderSize]byte
	putWAVHeader(hdr[:], ww.format, ww.n)
	if _, err := ww.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("audio: seek wav header: %w", err)
	}
	if _, err := ww.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("audio: patch wav header: %w", err)
	}
	_, err := ww.w.Seek(0, io.SeekEnd)
	return err
}
