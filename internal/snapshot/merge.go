package snapshot

import (
	"context"
	"fmt"
	"io"
)

// Merge combines the page-deduplicated snapshot segments in metas (ordered
// oldest StartFrameNo first) into one in-memory image: a page present in
// more than one segment takes its value from the newest segment that
// contains it. Each segment only holds the pages touched during its own
// rotation's frame range, so a single segment's snapshot alone reconstructs
// a complete database image only by coincidence; serving a fresh follower
// after more than one rotation requires this stitching, the same reasoning
// that makes a full restore from incremental backups walk every increment
// rather than just the latest one.
func Merge(ctx context.Context, store Store, metas []Meta) (Meta, []byte, error) {
	if len(metas) == 0 {
		return Meta{}, nil, fmt.Errorf("snapshot: merge: no snapshots given")
	}
	if len(metas) == 1 {
		return fetchPayload(ctx, store, metas[0])
	}

	pageSize := metas[0].PageSize
	stride := entryHeaderSize + int(pageSize)

	pages := make(map[uint32][]byte)
	order := make([]uint32, 0)

	for _, m := range metas {
		_, payload, err := fetchPayload(ctx, store, m)
		if err != nil {
			return Meta{}, nil, err
		}
		if len(payload)%stride != 0 {
			return Meta{}, nil, fmt.Errorf("snapshot: merge: %s payload length %d is not a multiple of entry size %d", m.Name(), len(payload), stride)
		}
		for off := 0; off < len(payload); off += stride {
			entry := payload[off : off+stride]
			pageNo := uint32(entry[0]) | uint32(entry[1])<<8 | uint32(entry[2])<<16 | uint32(entry[3])<<24
			if _, seen := pages[pageNo]; !seen {
				order = append(order, pageNo)
			}
			data := make([]byte, pageSize)
			copy(data, entry[entryHeaderSize:])
			pages[pageNo] = data // later (newer) segments overwrite earlier ones
		}
	}

	out := make([]byte, 0, len(order)*stride)
	for _, pageNo := range order {
		var hdr [entryHeaderSize]byte
		hdr[0] = byte(pageNo)
		hdr[1] = byte(pageNo >> 8)
		hdr[2] = byte(pageNo >> 16)
		hdr[3] = byte(pageNo >> 24)
		out = append(out, hdr[:]...)
		out = append(out, pages[pageNo]...)
	}

	newest := metas[len(metas)-1]
	merged := Meta{
		DBUUID:         newest.DBUUID,
		StartFrameNo:   metas[0].StartFrameNo,
		EndFrameNo:     newest.EndFrameNo,
		PageSize:       pageSize,
		PageCount:      uint32(len(order)),
		SizeAfterPages: newest.SizeAfterPages,
	}
	return merged, out, nil
}

func fetchPayload(ctx context.Context, store Store, m Meta) (Meta, []byte, error) {
	rc, meta, err := store.Fetch(ctx, m.Name())
	if err != nil {
		return Meta{}, nil, err
	}
	defer rc.Close()
	payload, err := io.ReadAll(rc)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("snapshot: merge: read %s: %w", m.Name(), err)
	}
	return meta, payload, nil
}
