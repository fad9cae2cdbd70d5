//go:build linux

package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"
)

// pollTimeoutMs bounds each wait for a frame so an idle interface still
// sees ctx cancellation.
const pollTimeoutMs = 100

// RawSource reads every frame on an interface through an AF_PACKET socket
// and counts the UDP ones. It needs CAP_NET_RAW.
type RawSource struct {
	iface  string
	logger *slog.Logger
}

func (s *RawSource) Name() string { return KindCapture }

func (s *RawSource) Run(ctx context.Context, c *Counter) error {
	fd, err := openPacketSocket(s.iface)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.iface, err)
	}
	defer unix.Close(fd)
	s.logger.Info("packet capture started")

	err = readFrames(ctx, func(buf []byte) (int, error) { return pollRead(fd, buf) }, c)
	if err != nil {
		return fmt.Errorf("read %s: %w", s.iface, err)
	}
	s.logger.Info("packet capture stopped")
	return nil
}

func openPacketSocket(iface string) (int, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return -1, err
	}
	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	return fd, nil
}

// pollRead waits up to pollTimeoutMs for a frame on the non-blocking fd.
func pollRead(fd int, buf []byte) (int, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	ready, err := unix.Poll(fds, pollTimeoutMs)
	if err == unix.EINTR || (err == nil && ready == 0) {
		return 0, errNoFrame
	}
	if err != nil {
		return 0, fmt.Errorf("poll: %w", err)
	}
	n, err := unix.Read(fd, buf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, errNoFrame
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// htons converts v to network byte order as the socket calls expect.
func htons(v uint16) uint16 {
	return binary.NativeEndian.Uint16(binary.BigEndian.AppendUint16(nil, v))
}
