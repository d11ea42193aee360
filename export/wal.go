package export

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Every frame is a 16 byte header (payload length, CRC-32C of the payload,
// record offset; little endian) followed by the JSON record.
const frameHeaderSize = 16

var (
	errLogClosed = errors.New("export log closed")
	castagnoli   = crc32.MakeTable(crc32.Castagnoli)
)

type record struct {
	Offset uint64          `json:"offset"`
	Seq    uint64          `json:"seq"`
	Kind   domain.Kind     `json:"kind"`
	Event  json.RawMessage `json:"event"`
	At     time.Time       `json:"at"`

	attempt int
	size    int64
}

type segment struct {
	first uint64
	last  uint64
	path  string
	file  *os.File
	buf   *bufio.Writer
	size  int64
}

type logConfig struct {
	dir          string
	segmentBytes int64
	syncEvery    int
	logger       *log.Logger
}

// eventLog is an append-only segmented log of export records with a
// checkpoint of the highest contiguously delivered offset.
type eventLog struct {
	cfg logConfig

	mu        sync.Mutex
	segments  []*segment
	next      uint64
	committed uint64
	unsynced  int
	closed    bool
}

// openLog opens or creates the log in cfg.dir and returns the records that
// were appended but never committed. A torn or corrupt tail is truncated.
func openLog(cfg logConfig) (*eventLog, []*record, error) {
	if cfg.dir == "" {
		return nil, nil, errors.New("export log dir required")
	}
	if cfg.segmentBytes <= 0 {
		cfg.segmentBytes = 64 << 20
	}
	if err := os.MkdirAll(cfg.dir, 0o755); err != nil {
		return nil, nil, err
	}
	l := &eventLog{cfg: cfg}
	committed, err := l.readCheckpoint()
	if err != nil {
		return nil, nil, err
	}
	l.committed = committed
	l.next = committed + 1

	paths, err := filepath.Glob(filepath.Join(cfg.dir, "segment-*.log"))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(paths)

	var pending []*record
	for _, path := range paths {
		seg, recs, err := l.recoverSegment(path)
		if err != nil {
			return nil, nil, fmt.Errorf("recover %s: %w", filepath.Base(path), err)
		}
		l.segments = append(l.segments, seg)
		for _, r := range recs {
			if r.Offset >= l.next {
				l.next = r.Offset + 1
			}
			if r.Offset > l.committed {
				pending = append(pending, r)
			}
		}
	}

	if len(l.segments) == 0 {
		if err := l.rollLocked(); err != nil {
			return nil, nil, err
		}
	} else {
		tail := l.segments[len(l.segments)-1]
		if _, err := tail.file.Seek(tail.size, io.SeekStart); err != nil {
			return nil, nil, err
		}
		tail.buf = bufio.NewWriterSize(tail.file, 64<<10)
	}
	return l, pending, nil
}

func (l *eventLog) checkpointPath() string {
	return filepath.Join(l.cfg.dir, "checkpoint")
}

func (l *eventLog) readCheckpoint() (uint64, error) {
	data, err := os.ReadFile(l.checkpointPath())
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid checkpoint %q: %w", s, err)
	}
	return v, nil
}

func (l *eventLog) recoverSegment(path string) (*segment, []*record, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}
	seg := &segment{path: path, file: f}
	r := bufio.NewReaderSize(f, 64<<10)
	var recs []*record
	var pos int64
	truncate := func() error { return f.Truncate(pos) }
	for {
		hdr := make([]byte, frameHeaderSize)
		if _, err := io.ReadFull(r, hdr); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if err := truncate(); err != nil {
					return nil, nil, err
				}
				break
			}
			return nil, nil, err
		}
		length := binary.LittleEndian.Uint32(hdr[0:4])
		sum := binary.LittleEndian.Uint32(hdr[4:8])
		offset := binary.LittleEndian.Uint64(hdr[8:16])
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if err := truncate(); err != nil {
					return nil, nil, err
				}
				break
			}
			return nil, nil, err
		}
		if crc32.Checksum(payload, castagnoli) != sum {
			if l.cfg.logger != nil {
				l.cfg.logger.WithFields(log.Fields{"segment": filepath.Base(path), "offset": offset}).Warn("truncating corrupt export log tail")
			}
			if err := truncate(); err != nil {
				return nil, nil, err
			}
			break
		}
		var rec record
		if err := sonic.Unmarshal(payload, &rec); err != nil {
			return nil, nil, err
		}
		if rec.Offset != offset {
			return nil, nil, fmt.Errorf("offset mismatch: header %d, record %d", offset, rec.Offset)
		}
		rec.size = int64(frameHeaderSize) + int64(length)
		if len(recs) == 0 {
			seg.first = rec.Offset
		}
		seg.last = rec.Offset
		pos += rec.size
		recs = append(recs, &rec)
	}
	seg.size = pos
	return seg, recs, nil
}

func (l *eventLog) rollLocked() error {
	if l.closed {
		return errLogClosed
	}
	if n := len(l.segments); n > 0 {
		tail := l.segments[n-1]
		if err := tail.buf.Flush(); err != nil {
			return err
		}
		if err := tail.file.Sync(); err != nil {
			return err
		}
		tail.buf = nil
		if err := tail.file.Close(); err != nil {
			return err
		}
	}
	path := filepath.Join(l.cfg.dir, fmt.Sprintf("segment-%020d.log", l.next))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, &segment{
		first: l.next,
		last:  l.next - 1,
		path:  path,
		file:  f,
		buf:   bufio.NewWriterSize(f, 64<<10),
	})
	return nil
}

// append assigns rec the next offset and writes it to the tail segment.
func (l *eventLog) append(rec *record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errLogClosed
	}
	tail := l.segments[len(l.segments)-1]
	if tail.size >= l.cfg.segmentBytes {
		if err := l.rollLocked(); err != nil {
			return err
		}
		tail = l.segments[len(l.segments)-1]
	}

	rec.Offset = l.next
	payload, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}
	hdr := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.Checksum(payload, castagnoli))
	binary.LittleEndian.PutUint64(hdr[8:16], rec.Offset)
	if _, err := tail.buf.Write(hdr); err != nil {
		return err
	}
	if _, err := tail.buf.Write(payload); err != nil {
		return err
	}
	if err := tail.buf.Flush(); err != nil {
		return err
	}
	l.next++
	rec.size = int64(len(hdr) + len(payload))
	tail.size += rec.size
	tail.last = rec.Offset
	l.unsynced++
	if l.cfg.syncEvery <= 1 || l.unsynced >= l.cfg.syncEvery {
		return l.syncLocked()
	}
	return nil
}

func (l *eventLog) sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

func (l *eventLog) syncLocked() error {
	if l.closed {
		return errLogClosed
	}
	if l.unsynced == 0 {
		return nil
	}
	tail := l.segments[len(l.segments)-1]
	if err := tail.file.Sync(); err != nil {
		return err
	}
	l.unsynced = 0
	return nil
}

// commit records that every offset up to and including offset has been
// delivered and removes segments that hold nothing newer.
func (l *eventLog) commit(offset uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errLogClosed
	}
	if offset <= l.committed {
		return nil
	}
	path := l.checkpointPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(offset, 10)), 0o644); err != nil {
		return err
	}
	if err := fsync(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if err := fsync(l.cfg.dir); err != nil {
		return err
	}
	l.committed = offset
	l.pruneLocked()
	return nil
}

func (l *eventLog) pruneLocked() {
	for len(l.segments) > 1 && l.segments[0].last <= l.committed {
		seg := l.segments[0]
		seg.file.Close()
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if l.cfg.logger != nil {
				l.cfg.logger.WithError(err).WithField("segment", seg.path).Warn("remove export log segment")
			}
			return
		}
		l.segments = l.segments[1:]
	}
}

func (l *eventLog) committedOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

func (l *eventLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	var firstErr error
	for _, seg := range l.segments {
		if seg.buf != nil {
			if err := seg.buf.Flush(); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := seg.file.Sync(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		seg.file.Close()
	}
	l.closed = true
	return firstErr
}

func fsync(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
