package bundle

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"testing/fstest"

	"github.com/klauspost/compress/gzip"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/cryptoutil"
)

const (
	// defaultMaxBundle is the largest compressed bundle downloaded from s3
	defaultMaxBundle int64 = 100 * 1024 * 1024 // 100MB

	// defaultMaxFile is the largest single file inside a bundle
	defaultMaxFile int64 = 32 * 1024 * 1024 // 32MB

	// defaultMaxExtract is the largest total extracted size of a bundle
	defaultMaxExtract int64 = 256 * 1024 * 1024 // 256MB
)

// Limits bounds what a bundle may expand to.
type Limits struct {
	MaxBundle  int64
	MaxFile    int64
	MaxExtract int64
}

func (l Limits) withDefaults() Limits {
	if l.MaxBundle <= 0 {
		l.MaxBundle = defaultMaxBundle
	}
	if l.MaxFile <= 0 {
		l.MaxFile = defaultMaxFile
	}
	if l.MaxExtract <= 0 {
		l.MaxExtract = defaultMaxExtract
	}
	return l
}

// readWithHash reads r up to maxSize bytes and returns the data with its
// hex sha256.
func readWithHash(r io.Reader, maxSize int64) ([]byte, string, error) {
	data, sum, ok, err := cryptoutil.ReadSHA256(r, maxSize)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("bundle exceeds max size (limit %d bytes)", maxSize)
	}
	return data, sum, nil
}

// extractTarGz expands a .tar.gz into an in-memory filesystem. Only regular
// files and directories are accepted.
func extractTarGz(data []byte, lim Limits) (fstest.MapFS, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gr.Close()

	mfs := make(fstest.MapFS)
	tr := tar.NewReader(gr)
	var total int64

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar header: %w", err)
		}

		name, err := entryName(hdr.Name)
		if err != nil {
			return nil, err
		}
		if name == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			continue

		case tar.TypeReg:
			if hdr.Size > lim.MaxFile {
				return nil, fmt.Errorf("file %s exceeds max size (%d > %d)", name, hdr.Size, lim.MaxFile)
			}
			content, err := io.ReadAll(io.LimitReader(tr, lim.MaxFile+1))
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", name, err)
			}
			if int64(len(content)) > lim.MaxFile {
				return nil, fmt.Errorf("file %s exceeds max size after read", name)
			}
			total += int64(len(content))
			if total > lim.MaxExtract {
				return nil, fmt.Errorf("total extracted size exceeds limit (%d bytes, max %d)", total, lim.MaxExtract)
			}
			mfs[name] = &fstest.MapFile{
				Data:    content,
				Mode:    hdr.FileInfo().Mode().Perm(),
				ModTime: hdr.ModTime,
			}

		default:
			return nil, fmt.Errorf("unsupported entry in archive: %s (type=%d)", name, hdr.Typeflag)
		}
	}

	return mfs, nil
}

// entryName cleans an archive path. It returns "" for the archive root.
func entryName(raw string) (string, error) {
	name := path.Clean(strings.TrimPrefix(raw, "./"))
	switch {
	case name == "." || name == "":
		return "", nil
	case path.IsAbs(name):
		return "", fmt.Errorf("absolute path in archive: %s", raw)
	case !fs.ValidPath(name):
		return "", fmt.Errorf("path traversal in archive: %s", raw)
	}
	return name, nil
}
