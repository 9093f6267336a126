// Package writer implements the persistence collaborator: a rotating pcap
// capture-file writer that appends a 16-byte per-packet header plus the raw
// frame for every retained packet, optionally gzip-compressing each file as
// it is written.
//
// The buffered/compressed layering (bufio.Writer over an optional
// klauspost/pgzip writer over the file) follows the teacher pack's own
// writer; what's added here is the size-based rotation the core's persisted
// state layout requires, which that writer leaves to its caller.
package writer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	gzip "github.com/klauspost/pgzip"
	"github.com/pkg/errors"

	"github.com/shardwire/flowcap/decode"
)

const (
	// DefaultMaxFileBytes rotates every 256MiB, a reasonable default for a
	// long-running capture without unbounded single-file growth.
	DefaultMaxFileBytes = 256 << 20

	// pcapGlobalHeaderLen is the fixed size of the classic pcap file header.
	pcapGlobalHeaderLen = 24

	// pcapRecordHeaderLen is the fixed size of each per-packet header.
	pcapRecordHeaderLen = 16

	pcapMagic        = 0xa1b2c3d4
	pcapVersionMajor  = 2
	pcapVersionMinor  = 4

	// compressionBlockSize matches the teacher's own pgzip tuning: compress
	// in chunks large enough to amortize the parallel-deflate overhead.
	compressionBlockSize = 1 << 20
)

// Option configures a RotatingWriter under construction.
type Option func(*RotatingWriter)

// WithMaxFileBytes overrides DefaultMaxFileBytes.
func WithMaxFileBytes(n int64) Option {
	return func(w *RotatingWriter) { w.maxFileBytes = n }
}

// WithCompress writes each file through a gzip compressor from the moment it
// is created, so the whole file, pcap global header included, is gzip data.
func WithCompress(enabled bool) Option {
	return func(w *RotatingWriter) { w.compress = enabled }
}

// WithPrefix sets the file name prefix; files are named
// "<prefix>-NNNNN.pcap" (or ".pcap.gz" when compressed).
func WithPrefix(prefix string) Option {
	return func(w *RotatingWriter) { w.prefix = prefix }
}

// WithLinkType sets the link type recorded in each file's pcap global
// header. Defaults to Ethernet.
func WithLinkType(lt decode.LinkType) Option {
	return func(w *RotatingWriter) { w.linkType = lt }
}

// RotatingWriter implements collab.Writer: it is the only place in the core
// that owns a capture file. One instance serves every worker; writes are
// serialized behind mu, matching the teacher's own single-mutex Writer.
type RotatingWriter struct {
	dir          string
	prefix       string
	maxFileBytes int64
	compress     bool
	linkType     decode.LinkType

	mu      sync.Mutex
	fileNum int32
	file    *os.File
	gWriter *gzip.Writer
	bWriter *bufio.Writer
	pos     int64 // write offset within the current file, header included (uncompressed bytes when compressing)
}

// New builds a RotatingWriter rooted at dir, creating dir if needed.
func New(dir string, opts ...Option) (*RotatingWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating capture output directory")
	}
	w := &RotatingWriter{
		dir:          dir,
		prefix:       "capture",
		maxFileBytes: DefaultMaxFileBytes,
		linkType:     decode.LinkEthernet,
		fileNum:      -1, // first rotate() bumps to 0
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Write implements collab.Writer. It returns the file number and the byte
// offset the record was written at, both needed to back-fill a session's
// fileNumArray/filePosArray/fileLenArray per the persisted state layout.
func (w *RotatingWriter) Write(raw []byte, capturedLen, origLen uint32, ts time.Time) (int32, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	need := int64(pcapRecordHeaderLen + len(raw))
	if w.file == nil || w.pos+need > w.maxFileBytes {
		if err := w.rotate(); err != nil {
			return 0, 0, err
		}
	}

	filePos := w.pos
	var hdr [pcapRecordHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(ts.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(hdr[8:12], capturedLen)
	binary.LittleEndian.PutUint32(hdr[12:16], origLen)

	if _, err := w.bWriter.Write(hdr[:]); err != nil {
		return 0, 0, errors.Wrap(err, "writing packet record header")
	}
	if _, err := w.bWriter.Write(raw); err != nil {
		return 0, 0, errors.Wrap(err, "writing packet frame")
	}
	w.pos += need

	return w.fileNum, filePos, nil
}

// QueueLength implements collab.Writer. This writer has no internal queue:
// every Write call is synchronous with the caller, serialized by mu.
func (w *RotatingWriter) QueueLength() int { return 0 }

// Flush implements collab.Writer: push the current file's buffered bytes to
// the OS without closing or rotating it.
func (w *RotatingWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bWriter == nil {
		return nil
	}
	if err := w.bWriter.Flush(); err != nil {
		return errors.Wrap(err, "flushing capture file buffer")
	}
	if w.gWriter != nil {
		if err := w.gWriter.Flush(); err != nil {
			return errors.Wrap(err, "flushing capture file compressor")
		}
	}
	return nil
}

// rotate closes out the current file (if any), flushing it and, when
// compressing, writing its gzip trailer, and opens the next one. Caller must hold mu.
func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		if err := w.closeCurrent(); err != nil {
			return err
		}
	}
	w.fileNum++

	ext := ".pcap"
	if w.compress {
		ext = ".pcap.gz"
	}
	name := filepath.Join(w.dir, fmt.Sprintf("%s-%05d%s", w.prefix, w.fileNum, ext))
	f, err := os.Create(name)
	if err != nil {
		return errors.Wrapf(err, "creating capture file %s", name)
	}
	w.file = f

	if w.compress {
		w.gWriter = gzip.NewWriter(f)
		if err := w.gWriter.SetConcurrency(compressionBlockSize, runtime.GOMAXPROCS(0)*2); err != nil {
			return errors.Wrap(err, "configuring capture file compression")
		}
		w.bWriter = bufio.NewWriter(w.gWriter)
	} else {
		w.gWriter = nil
		w.bWriter = bufio.NewWriter(f)
	}

	w.pos = 0
	return w.writeGlobalHeader()
}

func (w *RotatingWriter) writeGlobalHeader() error {
	var hdr [pcapGlobalHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], pcapMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], pcapVersionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], pcapVersionMinor)
	// thiszone, sigfigs: 0
	binary.LittleEndian.PutUint32(hdr[16:20], 65535) // snaplen
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(w.linkType))

	if _, err := w.bWriter.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "writing pcap global header")
	}
	w.pos += pcapGlobalHeaderLen
	return nil
}

// closeCurrent drains and closes the writer stack for the file currently
// open, innermost flush first: the bufio.Writer is flushed into the gzip
// writer, the gzip writer is closed to flush its trailer into the file,
// then the file itself is closed.
func (w *RotatingWriter) closeCurrent() error {
	if err := w.bWriter.Flush(); err != nil {
		return errors.Wrap(err, "flushing capture file buffer")
	}
	if w.gWriter != nil {
		if err := w.gWriter.Close(); err != nil {
			return errors.Wrap(err, "closing capture file compressor")
		}
	}
	if err := w.file.Close(); err != nil {
		return errors.Wrap(err, "closing capture file")
	}
	return nil
}

// Close flushes and closes whatever file is currently open. Safe to call
// once, at shutdown, after the engine has quiesced.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.closeCurrent()
}
