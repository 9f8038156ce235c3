//go:build linux

package supervisor

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// prepareRuntimeConfig puts cfgYAML into an anonymous in-memory file (memfd).
// The child inherits the fd and reads /proc/self/fd/<n>; nothing is written
// to disk.
func prepareRuntimeConfig(name, cfgYAML string) (*runtimeConfigHandoff, error) {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), name)
	if f == nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("memfd: os.NewFile failed")
	}
	if _, err := io.WriteString(f, cfgYAML+"\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &runtimeConfigHandoff{file: f, cleanup: func() {}}, nil
}
