package camera

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// tempDir returns either a temporary directory in /dev/shm (if it exists), or
// otherwise in the OS default temporary directory.
func tempDir() (string, error) {
	// Don't create anything under /dev unless /dev/shm is really there.
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		dir, err := os.MkdirTemp("/dev/shm", "birdcam")
		if err == nil {
			return dir, nil
		}
	}
	return os.MkdirTemp("", "birdcam")
}

// moveFile renames src to dst, falling back to copy+remove when they live on
// different filesystems (e.g. /dev/shm and the working directory).
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
