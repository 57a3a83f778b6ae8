package bundle

import (
	"io/fs"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/xerrors"
)

// ValidationOptions controls which checks Validate performs. The zero value
// only requires a readable filesystem.
type ValidationOptions struct {
	// MinFiles rejects bundles with fewer files. 0 disables the check.
	MinFiles int

	// RequiredFiles must exist and be non-empty.
	RequiredFiles []string
}

// Validate performs sanity checks on an expanded bundle before it is
// published, so a broken upload never replaces working output.
func Validate(fsys fs.FS, opts ValidationOptions) error {
	if fsys == nil {
		return xerrors.New("validate: nil filesystem")
	}

	for _, name := range opts.RequiredFiles {
		if err := checkNonEmpty(fsys, name); err != nil {
			return err
		}
	}

	if opts.MinFiles > 0 {
		count, err := countFiles(fsys)
		if err != nil {
			return xerrors.Wrap(err, "validate: counting files")
		}
		if count < opts.MinFiles {
			return xerrors.Newf("validate: bundle has %d files, minimum is %d", count, opts.MinFiles)
		}
	}
	return nil
}

func checkNonEmpty(fsys fs.FS, name string) error {
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return xerrors.Wrapf(err, "validate: %s not found", name)
	}
	if !info.Mode().IsRegular() {
		return xerrors.Newf("validate: %s is not a regular file", name)
	}
	if info.Size() == 0 {
		return xerrors.Newf("validate: %s is empty", name)
	}
	return nil
}

// countFiles returns the number of non-directory entries in fsys.
func countFiles(fsys fs.FS) (int, error) {
	count := 0
	err := fs.WalkDir(fsys, ".", func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	return count, err
}
