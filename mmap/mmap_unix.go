//go:build unix

package mmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func mmap(f *os.File, size int, opt Options) ([]byte, error) {
	prot := unix.PROT_READ
	if opt.Has(Writable) {
		prot |= unix.PROT_WRITE
	}
	flags := unix.MAP_SHARED
	if opt.Has(Prefault) {
		flags |= mapPopulate
	}

	b, err := unix.Mmap(int(f.Fd()), 0, size, prot, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}

	advice := -1
	if opt.Has(SequentialAccess) {
		advice = unix.MADV_SEQUENTIAL
	} else if opt.Has(RandomAccess) {
		advice = unix.MADV_RANDOM
	}
	// ENOSYS only means the kernel ignores the hint
	if advice >= 0 {
		if err := unix.Madvise(b, advice); err != nil && err != unix.ENOSYS {
			unix.Munmap(b)
			return nil, fmt.Errorf("madvise %s: %w", f.Name(), err)
		}
	}
	return b, nil
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}
