// Package mjpegstream extracts complete JPEG frames from a Motion-JPEG
// container file by scanning for FFD8 (start-of-image) and FFD9
// (end-of-image) markers, the way the teacher's GStreamer-fed capture
// loop scans its subprocess stdout.
package mjpegstream

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"
)

// readChunkSize is the amount read from the file on each pass that
// fails to find a complete frame in the retained buffer.
const readChunkSize = 4096

var soiMarker = []byte{0xFF, 0xD8}
var eoiMarker = []byte{0xFF, 0xD9}

// Extractor produces a stream of JPEG-complete frames from a file. Its
// buffer never contains a complete FFD8...FFD9 run that has not yet
// been emitted.
type Extractor struct {
	file      *os.File
	fileSize  int64
	buf       []byte
	frameNbr  uint64
	totalRead uint64
	startTime time.Time
}

// Open opens path for reading and returns an Extractor positioned at
// its start. Failure to open the file is fatal to the caller's
// session.
func Open(path string) (*Extractor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mjpegstream: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mjpegstream: stat %s: %w", path, err)
	}

	return &Extractor{
		file:      f,
		fileSize:  info.Size(),
		startTime: time.Now(),
	}, nil
}

// NextFrame returns the bytes of the next complete JPEG image, or nil
// with no error when the file has no further complete frames. It reads
// the underlying file in 4 KiB chunks until an end-of-image marker
// appears in the retained buffer, then trims any leading junk before
// the matching start-of-image marker.
func (e *Extractor) NextFrame() ([]byte, error) {
	for !bytes.Contains(e.buf, eoiMarker) {
		chunk := make([]byte, readChunkSize)
		n, err := e.file.Read(chunk)
		if n > 0 {
			e.buf = append(e.buf, chunk[:n]...)
		}
		if err == io.EOF || n == 0 {
			if !bytes.Contains(e.buf, eoiMarker) {
				return nil, nil
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("mjpegstream: read: %w", err)
		}
	}

	endIdx := bytes.Index(e.buf, eoiMarker)
	raw := e.buf[:endIdx+2]
	e.buf = e.buf[endIdx+2:]

	startIdx := bytes.Index(raw, soiMarker)
	if startIdx == -1 {
		// No valid start marker in this run; it was all leading
		// junk. Keep scanning for the next frame.
		return e.NextFrame()
	}

	frame := make([]byte, len(raw)-startIdx)
	copy(frame, raw[startIdx:])

	e.frameNbr++
	e.totalRead += uint64(len(frame))

	return frame, nil
}

// FrameNbr returns the count of frames emitted so far.
func (e *Extractor) FrameNbr() uint64 {
	return e.frameNbr
}

// CurrentBitrate returns (total_bytes*8) / elapsed / 1e6, in Mbps.
func (e *Extractor) CurrentBitrate() float64 {
	elapsed := time.Since(e.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(e.totalRead) * 8 / elapsed / 1_000_000
}

// Progress returns file_tell / file_size * 100.
func (e *Extractor) Progress() float64 {
	if e.fileSize == 0 {
		return 0
	}
	pos, err := e.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0
	}
	return float64(pos) / float64(e.fileSize) * 100
}

// Seek resets the cursor, buffer, and counters to the start of the
// file. Only a seek target of 0 is supported.
func (e *Extractor) Seek(frameNum int) error {
	if frameNum != 0 {
		return fmt.Errorf("mjpegstream: seek to frame %d not supported", frameNum)
	}
	if _, err := e.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("mjpegstream: seek: %w", err)
	}
	e.buf = nil
	e.frameNbr = 0
	e.totalRead = 0
	e.startTime = time.Now()
	return nil
}

// Close releases the underlying file handle.
func (e *Extractor) Close() error {
	return e.file.Close()
}
