// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build linux

package transport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

// openSerial opens a serial device at path, puts it into raw mode, and
// configures baud. A zero baud leaves the device's current speed alone.
func openSerial(path string, baud int) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open serial %s: %w", path, err)
	}
	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: get termios: %w", err)
	}
	makeRaw(t)
	if baud != 0 {
		rate, ok := baudRates[baud]
		if !ok {
			f.Close()
			return nil, fmt.Errorf("transport: unsupported baud rate %d", baud)
		}
		t.Ispeed, t.Ospeed = rate, rate
		t.Cflag = (t.Cflag &^ unix.CBAUD) | rate
	}
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: set termios: %w", err)
	}
	return f, nil
}

// makeRaw disables canonical mode, echo, and signal generation, matching
// the termios cfmakeraw recipe.
func makeRaw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
}
