// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

//go:build linux

package segment

import (
	"os"

	"golang.org/x/sys/unix"
)

// datasync flushes file data without forcing a metadata update when
// the size hasn't changed, which is cheaper than a full fsync on the
// append hot path.
func datasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
