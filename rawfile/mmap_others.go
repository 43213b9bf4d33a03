// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package rawfile // import "github.com/raptorjit/birdwatch/rawfile"

import (
	"io"
	"os"
)

func mapFile(f *os.File, _ int64) (data []byte, mapped bool, err error) {
	data, err = io.ReadAll(f)
	return data, false, err
}

func munmap(_ []byte) error {
	return nil
}
