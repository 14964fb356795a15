package bronze

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// Archiver stores pruned snapshot bundles before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// buildBundle packs refs into a gzip tarball with paths relative to root.
func buildBundle(root string, refs []SnapshotRef) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(gz)

	for _, ref := range refs {
		data, err := os.ReadFile(ref.Path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ref.Path, err)
		}
		name, err := filepath.Rel(root, ref.Path)
		if err != nil {
			name = filepath.Base(ref.Path)
		}
		hdr := &tar.Header{
			Name:    filepath.ToSlash(name),
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: ref.RetrievedAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("tar header %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("tar write %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DirArchiver writes bundles under a local directory.
type DirArchiver struct {
	Dir string
}

func (a DirArchiver) Archive(_ context.Context, key string, body []byte) error {
	if a.Dir == "" {
		return errors.New("archive dir is required")
	}
	final := filepath.Join(a.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
