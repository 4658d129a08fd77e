package keyValStore

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"
)

func (sc *StoreConfig) checkConfig() error {
	if len(sc.Paths) == 0 {
		return errors.New("no path provided in configuration")
	}

	path := sc.Paths[0] // Currently only the first path is utilized
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.New("path does not exist")
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("disk usage for %s: %w", path, err)
	}

	availableSpaceInGB := usage.Free / (1024 * 1024 * 1024)
	if availableSpaceInGB < uint64(sc.MinimumFreeSpace) {
		return errors.New("not enough space available on disk")
	}

	return nil
}
