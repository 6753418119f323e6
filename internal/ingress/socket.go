package ingress

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// PacketConn is the ingress socket as the listener uses it.
type PacketConn interface {
	ReadFrom(b []byte) (n int, src net.Addr, err error)
	SetReadDeadline(t time.Time) error
	JoinGroup(ifi *net.Interface, group net.IP) error
	Close() error
}

// udpConn is a UDP/IPv6 socket with multicast control.
type udpConn struct {
	*net.UDPConn
	pc *ipv6.PacketConn
}

func (c *udpConn) JoinGroup(ifi *net.Interface, group net.IP) error {
	return c.pc.JoinGroup(ifi, &net.UDPAddr{IP: group})
}

// ListenUDP binds a datagram socket to [::]:port with SO_REUSEADDR, so a
// recreated socket can bind while the old one lingers.
func ListenUDP(ctx context.Context, port int) (PacketConn, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(ctx, "udp6", fmt.Sprintf("[::]:%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind udp [::]:%d: %w", port, err)
	}
	conn := pc.(*net.UDPConn)
	return &udpConn{UDPConn: conn, pc: ipv6.NewPacketConn(conn)}, nil
}

func reuseAddr(_, _ string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}
