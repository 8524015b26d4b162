package cache

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// createBlob writes body to a temporary file next to path and returns its name.
// Nothing is visible at path until commitBlob renames it into place.
func createBlob(path string, body []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", errors.Wrap(err, "create blob")
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", errors.Wrapf(err, "write blob %s", path)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", errors.Wrapf(err, "close blob %s", path)
	}
	return f.Name(), nil
}

// commitBlob moves a temporary blob to path. Concurrent writers of the same
// path race and the last rename wins. The temporary file is removed on failure.
func commitBlob(tmp, path string) error {
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "rename blob %s", path)
	}
	return nil
}

// openBlob opens the blob named ref under root.
func openBlob(root, ref string) (io.ReadCloser, int64, error) {
	if ref == "." || ref == ".." || ref != filepath.Base(ref) {
		return nil, 0, errors.Errorf("invalid blob reference %q", ref)
	}
	f, err := os.Open(filepath.Join(root, ref))
	if err != nil {
		return nil, 0, errors.Wrap(err, "open blob")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errors.Wrap(err, "stat blob")
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, 0, errors.Errorf("blob %q is not a regular file", ref)
	}
	return f, fi.Size(), nil
}
