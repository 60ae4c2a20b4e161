package vectorstore

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// CopyFile duplicates src to dst, probing for filesystem-level reflink
// support (Linux FICLONE via golang.org/x/sys/unix) for an O(1) copy-on-write
// duplication, and falling back to a byte-for-byte copy when the filesystem
// doesn't support it (e.g. the branch's mmap directory is on a different
// volume, or a non-Btrfs/XFS filesystem).
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("vectorstore: open source %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("vectorstore: create dest %s: %w", dst, err)
	}
	defer out.Close()

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err == nil {
		return nil
	}

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("vectorstore: copy %s -> %s: %w", src, dst, err)
	}
	return out.Sync()
}
