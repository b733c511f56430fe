package netcore

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// listenBacklog mirrors common recursive-resolver deployments; high enough
// to absorb a burst of TCP clients while the accept point's handler pool
// drains the free-list.
const listenBacklog = 256

// resolveIP parses host (a bare IP literal, no port) into a net.IP and
// passes port through unchanged, defaulting the host to the IPv6 wildcard
// address when empty.
func resolveIP(host string, port int) (net.IP, int, error) {
	if host == "" {
		return net.IPv6zero, port, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, fmt.Errorf("netcore: invalid address %q", host)
	}
	return ip, port, nil
}

func sockaddrFor(ip net.IP, port int) (unix.Sockaddr, int, error) {
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return sa, unix.AF_INET, nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return nil, 0, fmt.Errorf("netcore: address %v is neither IPv4 nor IPv6", ip)
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], v6)
	return sa, unix.AF_INET6, nil
}

// ListenTCP creates a non-blocking, listening TCP socket bound to host:port.
// host may be empty for the wildcard address.
func ListenTCP(host string, port int) (int, error) {
	ip, port, err := resolveIP(host, port)
	if err != nil {
		return -1, err
	}
	sa, family, err := sockaddrFor(ip, port)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("netcore: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netcore: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netcore: bind: %w", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netcore: listen: %w", err)
	}
	return fd, nil
}

// BindUDP creates a non-blocking UDP socket bound to host:port. When
// wantPktinfo is true, IP_PKTINFO (v4) or IPV6_RECVPKTINFO (v6) is enabled
// so the receive path can learn which local address/interface the query
// arrived on (C7).
func BindUDP(host string, port int, wantPktinfo bool) (int, error) {
	ip, port, err := resolveIP(host, port)
	if err != nil {
		return -1, err
	}
	sa, family, err := sockaddrFor(ip, port)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("netcore: socket: %w", err)
	}
	if wantPktinfo {
		if err := enablePktinfo(fd, family); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netcore: bind: %w", err)
	}
	return fd, nil
}

func enablePktinfo(fd, family int) error {
	switch family {
	case unix.AF_INET:
		// The platform selects IP_PKTINFO vs IP_RECVDSTADDR at compile
		// time; Linux uses IP_PKTINFO.
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
			return fmt.Errorf("netcore: setsockopt IP_PKTINFO: %w", err)
		}
	case unix.AF_INET6:
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
			return fmt.Errorf("netcore: setsockopt IPV6_RECVPKTINFO: %w", err)
		}
	}
	return nil
}

// DialTCPOutboundNonblocking starts a non-blocking connect to host:port and
// returns the fd immediately; the caller must watch it for writability and
// consult SO_ERROR (§4.5, "Nonblocking connect").
func DialTCPOutboundNonblocking(host string, port int) (int, error) {
	ip, port, err := resolveIP(host, port)
	if err != nil {
		return -1, err
	}
	sa, family, err := sockaddrFor(ip, port)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("netcore: socket: %w", err)
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// AcceptNonblocking accepts a connection on listenFD, returning an
// already-nonblocking client fd and its peer address.
func AcceptNonblocking(listenFD int) (int, unix.Sockaddr, error) {
	return unix.Accept4(listenFD, unix.SOCK_NONBLOCK)
}

// SOError reads SO_ERROR off fd, for the first-writable check on a
// nonblocking connect.
func SOError(fd int) (int, error) {
	return unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
}
