// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build !linux

package transport

import (
	"fmt"
	"os"
)

func openSerial(path string, baud int) (*os.File, error) {
	return nil, fmt.Errorf("transport: serial transport is only implemented on linux")
}
