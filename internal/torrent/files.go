package torrent

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// removeFiles deletes relative paths under baseDir, refusing anything that
// would escape it. Missing files are not an error. Directories left empty by
// the removal are pruned up to baseDir.
func removeFiles(baseDir string, paths []string) error {
	if strings.TrimSpace(baseDir) == "" {
		return errors.New("data dir not configured")
	}

	baseAbs, err := filepath.Abs(baseDir)
	if err != nil {
		return err
	}
	baseAbs = filepath.Clean(baseAbs)

	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			return errors.New("invalid file path")
		}
		if filepath.IsAbs(p) {
			return errors.New("invalid file path")
		}
		fullPath := filepath.Clean(filepath.Join(baseAbs, filepath.FromSlash(p)))
		if !strings.HasPrefix(fullPath, baseAbs+string(os.PathSeparator)) {
			return errors.New("invalid file path")
		}

		if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		pruneEmptyParents(baseAbs, filepath.Dir(fullPath))
	}
	return nil
}

func pruneEmptyParents(baseAbs, dir string) {
	for dir != baseAbs && strings.HasPrefix(dir, baseAbs+string(os.PathSeparator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
