package recorder

import (
	"encoding/binary"
	"io"
	"os"
)

const wavHeaderSize = 44

// wavWriter appends PCM16 mono samples to a RIFF/WAVE file. The header
// is written with zero sizes up front and patched on close once the
// data length is known.
type wavWriter struct {
	f          *os.File
	sampleRate int
	dataBytes  uint32
}

func newWAVWriter(path string, sampleRate int) (*wavWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &wavWriter{f: f, sampleRate: sampleRate}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *wavWriter) writeHeader() error {
	var h [wavHeaderSize]byte
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], 36+w.dataBytes)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], 1) // mono
	binary.LittleEndian.PutUint32(h[24:28], uint32(w.sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(w.sampleRate)*2)
	binary.LittleEndian.PutUint16(h[32:34], 2) // block align
	binary.LittleEndian.PutUint16(h[34:36], 16)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], w.dataBytes)
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := w.f.Write(h[:])
	return err
}

func (w *wavWriter) write(pcm []byte) error {
	n, err := w.f.Write(pcm)
	w.dataBytes += uint32(n)
	return err
}

// close patches the header sizes and syncs the file.
func (w *wavWriter) close() error {
	if w.f == nil {
		return nil
	}
	err := w.writeHeader()
	if syncErr := w.f.Sync(); err == nil {
		err = syncErr
	}
	if closeErr := w.f.Close(); err == nil {
		err = closeErr
	}
	w.f = nil
	return err
}
