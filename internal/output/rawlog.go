package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RawLogMagic opens every raw ingest log. Records follow as
// [8]byte little-endian receive time (unix nanos), [4]byte little-endian
// payload length, payload.
const RawLogMagic = "SPIPRAW1"

var (
	ErrBadMagic       = errors.New("not a raw ingest log")
	ErrRecordTooLarge = errors.New("raw log record exceeds 4 GiB")
)

type RawLogWriter struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

func NewRawLogWriter(outputDir string, prefix string) (*RawLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", timestamp, prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(RawLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &RawLogWriter{
		f:    f,
		w:    w,
		path: filename,
	}, nil
}

// Path is the file being written.
func (r *RawLogWriter) Path() string {
	return r.path
}

// Record appends payload and flushes it to the file.
func (r *RawLogWriter) Record(payload []byte) error {
	size, err := recordSize(len(payload))
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("raw log writer is closed")
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], size)
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	return r.w.Flush()
}

// recordSize checks that n fits the 4-byte length field.
func recordSize(n int) (uint32, error) {
	if n < 0 || uint64(n) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, n)
	}
	return uint32(n), nil
}

func (r *RawLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		r.w = nil
		return err
	}
	err := r.f.Close()
	r.w = nil
	return err
}

// RawRecord is one entry of a raw ingest log.
type RawRecord struct {
	Received time.Time
	Payload  []byte
}

// RawLogReader iterates over a raw ingest log.
type RawLogReader struct {
	r *bufio.Reader
}

// NewRawLogReader checks the magic and positions at the first record.
func NewRawLogReader(r io.Reader) (*RawLogReader, error) {
	br := bufio.NewReader(r)
	header := make([]byte, len(RawLogMagic))
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(header) != RawLogMagic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, string(header))
	}
	return &RawLogReader{r: br}, nil
}

// Next returns the next record, or io.EOF after the last complete one.
func (l *RawLogReader) Next() (RawRecord, error) {
	var meta [12]byte
	if _, err := io.ReadFull(l.r, meta[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return RawRecord{}, io.EOF
		}
		return RawRecord{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(meta[:8]))
	size := binary.LittleEndian.Uint32(meta[8:12])
	payload := make([]byte, size)
	if _, err := io.ReadFull(l.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return RawRecord{}, io.EOF
		}
		return RawRecord{}, err
	}
	return RawRecord{Received: time.Unix(0, ts), Payload: payload}, nil
}
