package store

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// Magic identifies a file as a consensus log (§6). It is written once at
// the head of the file, before any record.
const Magic = "RAFTDB RAFT LOG\n"

// FrameHeaderSize is the size of the length prefix, and equally of the
// checksum trailer, that wrap every JSON record body on disk: a 4-byte
// big-endian length, the body,
// then a 4-byte big-endian CRC32 checksum of the body. The spec's "JSON-like
// objects" wording is satisfied by encoding/json for the body; framing is
// this package's own concern, not delegated to any external collaborator.
const FrameHeaderSize = 4

var (
	ErrBadMagic          = errors.New("store: not a raft log file (bad magic)")
	ErrTruncatedRecord   = errors.New("store: trailing truncated record")
	ErrChecksumMismatch  = errors.New("store: record checksum mismatch")
)

// encodeRecord serializes r into a self-delimited frame: length prefix,
// JSON body, checksum trailer.
func encodeRecord(r Record) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "store: marshal record")
	}
	buf := make([]byte, FrameHeaderSize+len(body)+FrameHeaderSize)
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:4+len(body)], body)
	sum := crc32.ChecksumIEEE(body)
	binary.BigEndian.PutUint32(buf[4+len(body):], sum)
	return buf, nil
}

// recordReader reads self-delimited frames from an append-only file,
// tolerating a trailing truncated record (treated as a crash during append
// and silently discarded rather than surfaced as an error).
type recordReader struct {
	r *bufio.Reader
}

func newRecordReader(r io.Reader) *recordReader {
	return &recordReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// next returns the next record, or io.EOF when the stream is exhausted
// cleanly. A trailing partial frame returns (nil, ErrTruncatedRecord), which
// callers at replay time treat as "stop here", not as a hard failure.
func (rr *recordReader) next() (*Record, error) {
	lenBuf := make([]byte, FrameHeaderSize)
	n, err := io.ReadFull(rr.r, lenBuf)
	if err == io.EOF && n == 0 {
		return nil, io.EOF
	}
	if err != nil {
		return nil, ErrTruncatedRecord
	}
	bodyLen := binary.BigEndian.Uint32(lenBuf)
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(rr.r, body); err != nil {
		return nil, ErrTruncatedRecord
	}
	sumBuf := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(rr.r, sumBuf); err != nil {
		return nil, ErrTruncatedRecord
	}
	want := binary.BigEndian.Uint32(sumBuf)
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, ErrTruncatedRecord
	}
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, ErrTruncatedRecord
	}
	return &rec, nil
}
