// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

//go:build !linux

package segment

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}
