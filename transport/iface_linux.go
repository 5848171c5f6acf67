package transport

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
)

// configureBitrate sets the netdev bitrate through iproute2. The link has to
// go down for the change and is brought back up afterwards.
func configureBitrate(ctx context.Context, ifname string, bitrate int) error {
	steps := [][]string{
		{"link", "set", "dev", ifname, "down"},
		{"link", "set", "dev", ifname, "type", "can", "bitrate", strconv.Itoa(bitrate)},
		{"link", "set", "dev", ifname, "up"},
	}
	for _, args := range steps {
		out, err := exec.CommandContext(ctx, "ip", args...).CombinedOutput()
		if err != nil {
			if errors.Is(err, syscall.EPERM) {
				err = fmt.Errorf("operation requires CAP_NET_ADMIN (or root): %w", err)
			}
			return fmt.Errorf("ip %v: %w; output: %s", args, err, out)
		}
	}
	return nil
}
