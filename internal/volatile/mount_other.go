//go:build !linux

package volatile

import (
	"fmt"
	"runtime"
)

func mountRamfs(path string) error {
	return fmt.Errorf("ramfs is not supported on %s", runtime.GOOS)
}
