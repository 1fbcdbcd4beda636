//go:build linux

package volatile

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func mountRamfs(path string) error {
	data := fmt.Sprintf("mode=%04o", uint32(DirMode))
	return unix.Mount("ramfs", path, "ramfs", unix.MS_NODEV|unix.MS_NOSUID, data)
}
