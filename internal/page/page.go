// Package page implements the fixed-size page store and VFS shim that sits
// underneath the frame log. It owns the database file and the "data-shm"
// index used by readers to locate the newest committed page quickly, and it
// exposes the shared/reserved/pending/exclusive lock ladder that higher
// layers (the WAL interceptor) use to serialize writers against readers.
//
// A keel database file is a flat sequence of fixed-size pages. Page 0 holds
// a small header (magic, page size, database UUID, page count) in its first
// bytes; the remainder of page 0 and every later page is opaque to this
// package — its contents are whatever the embedded engine above it wrote.
package page

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	// DefaultPageSize matches the embedded engine's default page size.
	DefaultPageSize = 4096

	// MinPageSize and MaxPageSize bound the page sizes keel accepts.
	MinPageSize = 512
	MaxPageSize = 65536

	// HeaderSize is the size of the database header stored at the start of
	// page 0.
	HeaderSize = 64

	headerMagicOff    = 0
	headerVersionOff  = 16
	headerPageSizeOff = 20
	headerUUIDOff     = 24
	headerCountOff    = 40
	headerChangeOff   = 48
)

// HeaderMagic identifies a keel database file.
const HeaderMagic = "keel-pagedb\x00\x00\x00\x00\x00"

// CurrentHeaderVersion is the on-disk database header format version.
const CurrentHeaderVersion uint32 = 1

// PageNo is a 1-based page identifier; page 0 never appears on the wire and
// is reserved for the database header.
type PageNo uint32

// DatabaseHeader is the parsed contents of the first HeaderSize bytes of
// page 0.
type DatabaseHeader struct {
	Version    uint32
	PageSize   uint32
	DBUUID     uuid.UUID
	PageCount  uint64
	ChangeCtr  uint64
}

// NewDatabaseHeader builds a fresh header for a newly created database.
func NewDatabaseHeader(pageSize uint32, dbUUID uuid.UUID) DatabaseHeader {
	return DatabaseHeader{
		Version:   CurrentHeaderVersion,
		PageSize:  pageSize,
		DBUUID:    dbUUID,
		PageCount: 1,
	}
}

// Marshal writes the header into the first HeaderSize bytes of buf, which
// must be at least one full page.
func (h DatabaseHeader) Marshal(buf []byte) {
	if len(buf) < HeaderSize {
		panic("page: buffer too small for DatabaseHeader")
	}
	copy(buf[headerMagicOff:headerMagicOff+16], HeaderMagic)
	binary.LittleEndian.PutUint32(buf[headerVersionOff:], h.Version)
	binary.LittleEndian.PutUint32(buf[headerPageSizeOff:], h.PageSize)
	uuidBytes, _ := h.DBUUID.MarshalBinary()
	copy(buf[headerUUIDOff:headerUUIDOff+16], uuidBytes)
	binary.LittleEndian.PutUint64(buf[headerCountOff:], h.PageCount)
	binary.LittleEndian.PutUint64(buf[headerChangeOff:], h.ChangeCtr)
}

// UnmarshalDatabaseHeader parses and validates the header from page 0.
func UnmarshalDatabaseHeader(buf []byte) (DatabaseHeader, error) {
	var h DatabaseHeader
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("page: header buffer too small: %d bytes", len(buf))
	}
	magic := string(buf[headerMagicOff : headerMagicOff+16])
	if magic != HeaderMagic {
		return h, fmt.Errorf("page: bad database header magic %q", magic)
	}
	h.Version = binary.LittleEndian.Uint32(buf[headerVersionOff:])
	if h.Version != CurrentHeaderVersion {
		return h, fmt.Errorf("page: unsupported header version %d", h.Version)
	}
	h.PageSize = binary.LittleEndian.Uint32(buf[headerPageSizeOff:])
	if h.PageSize < MinPageSize || h.PageSize > MaxPageSize || h.PageSize&(h.PageSize-1) != 0 {
		return h, fmt.Errorf("page: invalid page size %d", h.PageSize)
	}
	if err := h.DBUUID.UnmarshalBinary(buf[headerUUIDOff : headerUUIDOff+16]); err != nil {
		return h, fmt.Errorf("page: bad database uuid: %w", err)
	}
	h.PageCount = binary.LittleEndian.Uint64(buf[headerCountOff:])
	h.ChangeCtr = binary.LittleEndian.Uint64(buf[headerChangeOff:])
	return h, nil
}
