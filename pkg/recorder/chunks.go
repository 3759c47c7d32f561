package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// defaultSegmentBytes rotates encoded segments at 16 MiB.
const defaultSegmentBytes = 16 << 20

// SegmentInfo describes one finished segment file in the index.
type SegmentInfo struct {
	Seq    int    `json:"seq"`
	File   string `json:"file"`
	Bytes  int64  `json:"bytes"`
	Chunks int    `json:"chunks"`
}

// ChunkIndex is the manifest written alongside segment files so a
// post-processing step can reassemble the encoded recording.
type ChunkIndex struct {
	BotID       string        `json:"bot_id"`
	Segments    []SegmentInfo `json:"segments"`
	TotalBytes  int64         `json:"total_bytes"`
	FinalizedAt time.Time     `json:"finalized_at"`
}

// chunkWriter appends opaque encoded media chunks to numbered segment
// files, rotating by size, and writes an index manifest on close.
type chunkWriter struct {
	botID    string
	dir      string
	maxBytes int64

	f       *os.File
	current SegmentInfo
	index   ChunkIndex
}

func newChunkWriter(botID, dir string, maxBytes int64) *chunkWriter {
	if maxBytes <= 0 {
		maxBytes = defaultSegmentBytes
	}
	return &chunkWriter{
		botID:    botID,
		dir:      dir,
		maxBytes: maxBytes,
		index:    ChunkIndex{BotID: botID},
	}
}

func (c *chunkWriter) write(chunk []byte) error {
	if c.f != nil && c.current.Bytes+int64(len(chunk)) > c.maxBytes {
		if err := c.finishSegment(); err != nil {
			return err
		}
	}
	if c.f == nil {
		name := fmt.Sprintf("segment_%05d.bin", len(c.index.Segments))
		f, err := os.Create(filepath.Join(c.dir, name))
		if err != nil {
			return err
		}
		c.f = f
		c.current = SegmentInfo{Seq: len(c.index.Segments), File: name}
	}
	n, err := c.f.Write(chunk)
	c.current.Bytes += int64(n)
	c.current.Chunks++
	c.index.TotalBytes += int64(n)
	return err
}

func (c *chunkWriter) finishSegment() error {
	err := c.f.Sync()
	if closeErr := c.f.Close(); err == nil {
		err = closeErr
	}
	c.f = nil
	c.index.Segments = append(c.index.Segments, c.current)
	return err
}

func (c *chunkWriter) indexPath() string {
	return filepath.Join(c.dir, "index.json")
}

// close finishes the open segment and writes index.json.
func (c *chunkWriter) close() error {
	var err error
	if c.f != nil {
		err = c.finishSegment()
	}
	c.index.FinalizedAt = time.Now().UTC()
	data, marshalErr := json.MarshalIndent(&c.index, "", "  ")
	if marshalErr != nil {
		if err == nil {
			err = marshalErr
		}
		return err
	}
	if writeErr := os.WriteFile(c.indexPath(), data, 0o644); err == nil {
		err = writeErr
	}
	return err
}
