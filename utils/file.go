package utils

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// OutputPath joins name onto dir and creates the directory the file goes into. Names that would
// leave dir are rejected.
func OutputPath(dir, name string) (string, error) {
	res := filepath.Join(dir, name)
	if !strings.HasPrefix(filepath.Clean(res), filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", errors.Errorf("output file %q is outside of %q", name, dir)
	}
	if err := os.MkdirAll(filepath.Dir(res), 0o750); err != nil {
		return "", errors.Wrap(err, "creating output directory")
	}
	return res, nil
}

// DiscardOnError removes the file at path when writeErr is set, so no partially written file is
// left behind, and returns writeErr annotated with path.
func DiscardOnError(path string, writeErr error) error {
	if writeErr == nil {
		return nil
	}
	utils.UncheckedErrorFunc(func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	return errors.Wrapf(writeErr, "writing %s", path)
}
