//go:build linux

package dw1000

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// openIRQ exports gpio as a rising-edge interrupt and returns a channel
// receiving one value per edge, read with unix.Poll the way
// seedhammer.com/cmd/controller's platform_rpi.go drains inotify events:
// a background goroutine blocks in the syscall and only touches the
// channel, never radio state directly.
func openIRQ(gpio int) (<-chan struct{}, error) {
	base := fmt.Sprintf("/sys/class/gpio/gpio%d", gpio)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		if err := os.WriteFile("/sys/class/gpio/export", []byte(fmt.Sprintf("%d", gpio)), 0o200); err != nil {
			return nil, fmt.Errorf("export gpio%d: %w", gpio, err)
		}
	}
	if err := os.WriteFile(base+"/direction", []byte("in"), 0o200); err != nil {
		return nil, fmt.Errorf("gpio%d direction: %w", gpio, err)
	}
	if err := os.WriteFile(base+"/edge", []byte("rising"), 0o200); err != nil {
		return nil, fmt.Errorf("gpio%d edge: %w", gpio, err)
	}

	f, err := os.OpenFile(base+"/value", os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("gpio%d value: %w", gpio, err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer f.Close()
		fd := int(f.Fd())
		var buf [8]byte
		for {
			pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLPRI | unix.POLLERR}}
			n, err := unix.Poll(pfd, -1)
			if err != nil || n == 0 {
				continue
			}
			unix.Seek(fd, 0, 0)
			unix.Read(fd, buf[:])
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch, nil
}
