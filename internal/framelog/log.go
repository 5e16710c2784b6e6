package framelog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// HeaderSize is the size of the frame log file header.
const HeaderSize = 64

const (
	headerMagicOff        = 0
	headerVersionOff      = 16
	headerPageSizeOff     = 20
	headerUUIDOff         = 24
	headerStartFrameOff   = 40
	headerStartChecksumOff = 48
)

// HeaderMagic identifies a keel frame log file.
const HeaderMagic = "keel-framelog\x00\x00\x00"

// CurrentVersion is the on-disk frame log format version.
const CurrentVersion uint32 = 1

// Header is the parsed frame log file header.
type Header struct {
	Version       uint32
	PageSize      uint32
	DBUUID        uuid.UUID
	StartFrameNo  uint64 // frame number of the first frame still retained
	StartChecksum uint64 // chained checksum as of just before StartFrameNo
}

func (h Header) marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[headerMagicOff:headerMagicOff+16], HeaderMagic)
	binary.LittleEndian.PutUint32(buf[headerVersionOff:], h.Version)
	binary.LittleEndian.PutUint32(buf[headerPageSizeOff:], h.PageSize)
	b, _ := h.DBUUID.MarshalBinary()
	copy(buf[headerUUIDOff:headerUUIDOff+16], b)
	binary.LittleEndian.PutUint64(buf[headerStartFrameOff:], h.StartFrameNo)
	binary.LittleEndian.PutUint64(buf[headerStartChecksumOff:], h.StartChecksum)
	return buf
}

func unmarshalHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("framelog: header too short: %d bytes", len(buf))
	}
	if string(buf[headerMagicOff:headerMagicOff+16]) != HeaderMagic {
		return h, fmt.Errorf("framelog: bad magic")
	}
	h.Version = binary.LittleEndian.Uint32(buf[headerVersionOff:])
	if h.Version != CurrentVersion {
		return h, fmt.Errorf("framelog: unsupported version %d", h.Version)
	}
	h.PageSize = binary.LittleEndian.Uint32(buf[headerPageSizeOff:])
	if err := h.DBUUID.UnmarshalBinary(buf[headerUUIDOff : headerUUIDOff+16]); err != nil {
		return h, fmt.Errorf("framelog: bad db uuid: %w", err)
	}
	h.StartFrameNo = binary.LittleEndian.Uint64(buf[headerStartFrameOff:])
	h.StartChecksum = binary.LittleEndian.Uint64(buf[headerStartChecksumOff:])
	return h, nil
}

// Log is an append-only, checksum-chained sequence of frames backed by a
// single file. Rotation (§4.3/§4.4 boundary with the snapshot subsystem)
// closes the current file and starts a new one whose StartFrameNo picks up
// where the old one left off.
type Log struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	header   Header
	lastNo   uint64
	lastSum  uint64
	writePos int64
}

// Open opens an existing frame log or creates a new one for dbUUID/pageSize.
func Open(path string, pageSize uint32, dbUUID uuid.UUID) (*Log, error) {
	exists := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		exists = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("framelog: open: %w", err)
	}

	l := &Log{f: f, path: path}

	if !exists {
		l.header = Header{Version: CurrentVersion, PageSize: pageSize, DBUUID: dbUUID, StartFrameNo: 1}
		if _, err := f.WriteAt(l.header.marshal(), 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("framelog: write header: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		l.lastNo = 0
		l.lastSum = 0
		l.writePos = HeaderSize
		return l, nil
	}

	hdrBuf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("framelog: read header: %w", err)
	}
	h, err := unmarshalHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	l.header = h
	l.lastNo = h.StartFrameNo - 1
	l.lastSum = h.StartChecksum

	if err := l.recoverTail(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// recoverTail scans forward from the header, stopping and truncating at the
// first frame whose checksum does not chain correctly — the crash-torn-tail
// case where the last append was interrupted mid-write.
func (l *Log) recoverTail() error {
	if _, err := l.f.Seek(HeaderSize, io.SeekStart); err != nil {
		return err
	}
	pos := int64(HeaderSize)
	running := l.lastSum
	lastGood := pos
	expectNo := l.header.StartFrameNo

	for {
		hdrBuf := make([]byte, FrameHeaderSize)
		if _, err := io.ReadFull(l.f, hdrBuf); err != nil {
			break
		}
		fr, _ := unmarshalFrameHeader(hdrBuf)
		// Append computes the checksum with the checksum field still zero.
		binary.LittleEndian.PutUint64(hdrBuf[16:24], 0)
		data := make([]byte, l.header.PageSize)
		if _, err := io.ReadFull(l.f, data); err != nil {
			break
		}

		want := chainChecksum(running, hdrBuf, data)
		if fr.Checksum != want || fr.FrameNo != expectNo {
			break
		}
		running = fr.Checksum
		expectNo++
		pos += int64(FrameHeaderSize) + int64(l.header.PageSize)
		lastGood = pos
		l.lastNo = fr.FrameNo
		l.lastSum = fr.Checksum
	}

	if st, err := l.f.Stat(); err == nil && st.Size() > lastGood {
		if err := l.f.Truncate(lastGood); err != nil {
			return fmt.Errorf("framelog: truncate torn tail: %w", err)
		}
	}
	l.writePos = lastGood
	return nil
}

// PageSize returns the frame log's fixed page size.
func (l *Log) PageSize() uint32 { return l.header.PageSize }

// DBUUID returns the database identity this frame log belongs to.
func (l *Log) DBUUID() uuid.UUID { return l.header.DBUUID }

// StartFrameNo returns the frame number of the oldest frame this log file
// still retains.
func (l *Log) StartFrameNo() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.header.StartFrameNo
}

// LastFrameNo returns the highest frame number appended so far, or
// StartFrameNo-1 if the log is empty.
func (l *Log) LastFrameNo() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastNo
}

// Append writes one frame, assigning it the next frame number and chaining
// its checksum off the previous frame. sizeAfter must be nonzero exactly
// when this frame closes a transaction.
func (l *Log) Append(pageNo uint32, data []byte, sizeAfter uint32, timestamp int64) (Frame, error) {
	if uint32(len(data)) != l.header.PageSize {
		return Frame{}, fmt.Errorf("framelog: page data length %d != page size %d", len(data), l.header.PageSize)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	fr := Frame{
		FrameNo:   l.lastNo + 1,
		PageNo:    pageNo,
		SizeAfter: sizeAfter,
		Timestamp: timestamp,
		Data:      data,
	}
	hdrBuf := make([]byte, FrameHeaderSize)
	binary.LittleEndian.PutUint64(hdrBuf[0:8], fr.FrameNo)
	binary.LittleEndian.PutUint32(hdrBuf[8:12], fr.PageNo)
	binary.LittleEndian.PutUint32(hdrBuf[12:16], fr.SizeAfter)
	binary.LittleEndian.PutUint64(hdrBuf[24:32], uint64(fr.Timestamp))
	fr.Checksum = chainChecksum(l.lastSum, hdrBuf, data)
	binary.LittleEndian.PutUint64(hdrBuf[16:24], fr.Checksum)

	buf := make([]byte, FrameHeaderSize+len(data))
	copy(buf, hdrBuf)
	copy(buf[FrameHeaderSize:], data)

	n, err := l.f.WriteAt(buf, l.writePos)
	if err != nil {
		return Frame{}, fmt.Errorf("framelog: append frame %d: %w", fr.FrameNo, err)
	}
	l.writePos += int64(n)
	l.lastNo = fr.FrameNo
	l.lastSum = fr.Checksum
	return fr, nil
}

// AppendBatch appends frames atomically with respect to readers: either all
// frames land or (on error) the log is truncated back to its previous
// length before returning, so a follower never observes a partially
// applied batch as if it were a committed prefix.
func (l *Log) AppendBatch(frames []PendingFrame) ([]Frame, error) {
	out := make([]Frame, 0, len(frames))
	l.mu.Lock()
	startPos := l.writePos
	startNo := l.lastNo
	startSum := l.lastSum
	l.mu.Unlock()

	for _, pf := range frames {
		fr, err := l.Append(pf.PageNo, pf.Data, pf.SizeAfter, pf.Timestamp)
		if err != nil {
			l.mu.Lock()
			_ = l.f.Truncate(startPos)
			l.writePos = startPos
			l.lastNo = startNo
			l.lastSum = startSum
			l.mu.Unlock()
			return nil, err
		}
		out = append(out, fr)
	}
	return out, nil
}

// PendingFrame is one page write awaiting assignment of a frame number.
type PendingFrame struct {
	PageNo    uint32
	Data      []byte
	SizeAfter uint32
	Timestamp int64
}

// Sync fsyncs the frame log file.
func (l *Log) Sync() error {
	return l.f.Sync()
}

// frameOffset returns the byte offset of frameNo within the current file,
// assuming it has not been rotated away.
func (l *Log) frameOffset(frameNo uint64) (int64, error) {
	if frameNo < l.header.StartFrameNo {
		return 0, fmt.Errorf("framelog: frame %d predates log start %d", frameNo, l.header.StartFrameNo)
	}
	idx := frameNo - l.header.StartFrameNo
	return int64(HeaderSize) + int64(idx)*(int64(FrameHeaderSize)+int64(l.header.PageSize)), nil
}

// ReadFrame reads a single frame by number.
func (l *Log) ReadFrame(frameNo uint64) (Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if frameNo > l.lastNo {
		return Frame{}, fmt.Errorf("framelog: frame %d not yet written (last=%d)", frameNo, l.lastNo)
	}
	off, err := l.frameOffset(frameNo)
	if err != nil {
		return Frame{}, err
	}
	buf := make([]byte, FrameHeaderSize+int(l.header.PageSize))
	if _, err := l.f.ReadAt(buf, off); err != nil {
		return Frame{}, fmt.Errorf("framelog: read frame %d: %w", frameNo, err)
	}
	fr, err := unmarshalFrameHeader(buf)
	if err != nil {
		return Frame{}, err
	}
	fr.Data = buf[FrameHeaderSize:]
	return fr, nil
}

// ForEach walks every retained frame from StartFrameNo through LastFrameNo
// in order, stopping early if fn returns an error.
func (l *Log) ForEach(fn func(Frame) error) error {
	l.mu.Lock()
	start := l.header.StartFrameNo
	last := l.lastNo
	l.mu.Unlock()

	for no := start; no <= last; no++ {
		fr, err := l.ReadFrame(no)
		if err != nil {
			return err
		}
		if err := fn(fr); err != nil {
			return err
		}
	}
	return nil
}

// ForEachSince walks every frame with FrameNo > sinceFrameNo, in order.
func (l *Log) ForEachSince(sinceFrameNo uint64, fn func(Frame) error) error {
	l.mu.Lock()
	last := l.lastNo
	l.mu.Unlock()
	for no := sinceFrameNo + 1; no <= last; no++ {
		fr, err := l.ReadFrame(no)
		if err != nil {
			return err
		}
		if err := fn(fr); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.f.Close()
}

// Path returns the frame log's file path.
func (l *Log) Path() string { return l.path }
