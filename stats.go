package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// diskCounters is a point-in-time snapshot of the cumulative read and write
// I/O operation counts of one block device, as reported by the kernel.
type diskCounters struct {
	readOps  uint64
	writeOps uint64
}

// counterSource provides the current I/O counters of a named block device.
type counterSource interface {
	read(name string) (diskCounters, error)
}

// sysfsCounters reads counters from <base>/<name>/stat. The kernel rewrites
// the whole line on every read, so a single file read is an atomic snapshot.
type sysfsCounters struct {
	base string
}

// Read I/Os and write I/Os occupy fields 1 and 5 of the stat line, see
// Documentation/block/stat.rst. Newer kernels append discard and flush
// fields, which are ignored.
const (
	statFieldReadOps  = 0
	statFieldWriteOps = 4
	statMinFields     = 5
)

func (s sysfsCounters) read(name string) (diskCounters, error) {
	b, err := os.ReadFile(filepath.Join(s.base, name, "stat"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return diskCounters{}, fmt.Errorf("%s: %w", name, errDeviceNotFound)
		}
		return diskCounters{}, fmt.Errorf("reading stats for %s: %w", name, err)
	}

	fields := strings.Fields(string(b))
	if len(fields) < statMinFields {
		return diskCounters{}, fmt.Errorf("%s: %d fields: %w", name, len(fields), errStatsParse)
	}

	readOps, err := strconv.ParseUint(fields[statFieldReadOps], 10, 64)
	if err != nil {
		return diskCounters{}, fmt.Errorf("%s: read ops '%s': %w", name, fields[statFieldReadOps], errStatsParse)
	}
	writeOps, err := strconv.ParseUint(fields[statFieldWriteOps], 10, 64)
	if err != nil {
		return diskCounters{}, fmt.Errorf("%s: write ops '%s': %w", name, fields[statFieldWriteOps], errStatsParse)
	}

	return diskCounters{readOps: readOps, writeOps: writeOps}, nil
}
