package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Store is the narrow capability interface compaction and recovery use to
// exchange snapshot files: store one, fetch one, list what is available
// for a database. There is exactly one production implementation here
// (FileStore, local filesystem); a remote object-storage implementation is
// a natural place to extend this interface without touching its callers.
type Store interface {
	Store(ctx context.Context, meta Meta, r io.Reader) error
	Fetch(ctx context.Context, name string) (io.ReadCloser, Meta, error)
	List(ctx context.Context, dbUUID uuid.UUID) ([]Meta, error)
	Delete(ctx context.Context, name string) error
}

// FileStore stores snapshot files as flat files in a directory, one file
// per Meta.Name().
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir, creating it if necessary.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("snapshot: create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) pathFor(name string) string {
	return filepath.Join(fs.dir, name)
}

// Store writes a snapshot atomically: the payload lands in a temp file in
// the same directory, which is then fsynced and renamed into place, so a
// crash mid-write never leaves a partially written snapshot visible under
// its final name.
func (fs *FileStore) Store(ctx context.Context, meta Meta, r io.Reader) error {
	name := meta.Name()
	tmpPath := fs.pathFor(name + ".tmp")
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}
	if _, err := f.Write(marshalHeader(meta)); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: write header: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: write payload: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, fs.pathFor(name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename into place: %w", err)
	}
	return nil
}

// Fetch opens a stored snapshot by name, returning both its parsed header
// and a reader positioned at the start of the page payload.
func (fs *FileStore) Fetch(ctx context.Context, name string) (io.ReadCloser, Meta, error) {
	f, err := os.Open(fs.pathFor(name))
	if err != nil {
		return nil, Meta{}, fmt.Errorf("snapshot: open %s: %w", name, err)
	}
	hdrBuf := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		f.Close()
		return nil, Meta{}, fmt.Errorf("snapshot: read header of %s: %w", name, err)
	}
	meta, err := unmarshalHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, Meta{}, err
	}
	return f, meta, nil
}

// List returns every snapshot known for dbUUID, ordered by StartFrameNo
// ascending.
func (fs *FileStore) List(ctx context.Context, dbUUID uuid.UUID) ([]Meta, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list dir: %w", err)
	}
	prefix := dbUUID.String() + "-"
	var out []Meta
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		_, meta, err := fs.Fetch(ctx, e.Name())
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartFrameNo < out[j].StartFrameNo })
	return out, nil
}

// Delete removes a stored snapshot by name.
func (fs *FileStore) Delete(ctx context.Context, name string) error {
	if err := os.Remove(fs.pathFor(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("snapshot: delete %s: %w", name, err)
	}
	return nil
}
