package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp searches dir and then each of its parents for a regular file called name.
// It returns "" without error if no directory up to the root has one.
func FindUp(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", dir, err)
	}
	for {
		p := filepath.Join(curDir, name)
		fi, err := os.Stat(p)
		switch {
		case err == nil && fi.Mode().IsRegular():
			return p, nil
		case err != nil && !os.IsNotExist(err):
			return "", fmt.Errorf("checking %q: %w", p, err)
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
