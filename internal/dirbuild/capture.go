package dirbuild

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing/fstest"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/xerrors"
)

type limits struct {
	maxFile  int64
	maxTotal int64
}

// capture reads the tree under dir into memory and returns it with its
// content hash. The hash covers every file path and its bytes in walk order,
// so it changes whenever a file is added, removed, renamed or edited.
func capture(dir string, lim limits) (fstest.MapFS, string, error) {
	mfs := make(fstest.MapFS)
	h := cryptoutil.NewTreeHasher()
	var total int64

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		// symlinks and special files are not part of the output
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !fs.ValidPath(name) {
			return xerrors.Newf("invalid output path %q", name)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > lim.maxFile {
			return fmt.Errorf("file %s exceeds max size (%d > %d)", name, info.Size(), lim.maxFile)
		}

		data, err := readLimited(p, lim.maxFile)
		if err != nil {
			return xerrors.Wrapf(err, "read %s", name)
		}
		total += int64(len(data))
		if total > lim.maxTotal {
			return fmt.Errorf("total output size exceeds limit (%d bytes, max %d)", total, lim.maxTotal)
		}

		h.Add(name, data)
		mfs[name] = &fstest.MapFile{
			Data:    data,
			Mode:    info.Mode().Perm(),
			ModTime: info.ModTime(),
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	return mfs, h.Sum(), nil
}

// readLimited reads a file that may still be growing, failing past limit.
func readLimited(p string, limit int64) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("exceeds max size after read (limit %d)", limit)
	}
	return data, nil
}

// mirror writes the files of fsys selected by policy under dir, replacing
// HashPlaceholder with hash. It returns the directory written.
func mirror(fsys fstest.MapFS, dir, hash string, policy WritePolicy) (string, error) {
	dest := strings.ReplaceAll(dir, HashPlaceholder, hash)
	for name, f := range fsys {
		if f.Mode.IsDir() || !policy(name) {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return dest, xerrors.Wrapf(err, "create %s", filepath.Dir(target))
		}
		mode := f.Mode.Perm()
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(target, f.Data, mode); err != nil {
			return dest, xerrors.Wrapf(err, "write %s", target)
		}
	}
	return dest, nil
}
