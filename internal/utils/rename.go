package utils

import (
	"fmt"
	"io"
	"os"
)

// RenameOrCopy renames src to dst, falling back to a copy-then-remove
// when the rename fails (typically a cross-device EXDEV), matching the
// teacher's SingleDownloader finalize step.
func RenameOrCopy(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("finalize %s: %w", dst, err)
	}
	if err := os.Remove(src); err != nil {
		Debug("rename: failed to remove temp file %s after copy: %v", src, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 1024*1024)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		return err
	}
	return out.Sync()
}
