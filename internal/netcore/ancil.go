package netcore

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Srctype tags whether no, IPv4, or IPv6 ancillary pktinfo was captured on
// receive (and so which shape to emit on send).
type Srctype int

const (
	SrctypeNone Srctype = 0
	SrctypeV4   Srctype = 4
	SrctypeV6   Srctype = 6
)

// pktinfo4 mirrors the kernel's struct in_pktinfo: { int ipi_ifindex;
// struct in_addr ipi_spec_dst; struct in_addr ipi_addr; }. ipi_ifindex is a
// native-endian int (the two addresses are copied as raw network-order
// bytes), which is why this is hand-packed rather than read with
// encoding/binary.BigEndian.
type pktinfo4 struct {
	ifindex int32
	specDst [4]byte
	addr    [4]byte
}

const sizeofPktinfo4 = 12

func (p pktinfo4) marshal() []byte {
	buf := make([]byte, sizeofPktinfo4)
	binary.NativeEndian.PutUint32(buf[0:4], uint32(p.ifindex))
	copy(buf[4:8], p.specDst[:])
	copy(buf[8:12], p.addr[:])
	return buf
}

func unmarshalPktinfo4(b []byte) (pktinfo4, error) {
	if len(b) < sizeofPktinfo4 {
		return pktinfo4{}, fmt.Errorf("netcore: short in_pktinfo cmsg (%d bytes)", len(b))
	}
	var p pktinfo4
	p.ifindex = int32(binary.NativeEndian.Uint32(b[0:4]))
	copy(p.specDst[:], b[4:8])
	copy(p.addr[:], b[8:12])
	return p, nil
}

// pktinfo6 mirrors struct in6_pktinfo: { struct in6_addr ipi6_addr; int
// ipi6_ifindex; }.
type pktinfo6 struct {
	addr    [16]byte
	ifindex int32
}

const sizeofPktinfo6 = 20

func (p pktinfo6) marshal() []byte {
	buf := make([]byte, sizeofPktinfo6)
	copy(buf[0:16], p.addr[:])
	binary.NativeEndian.PutUint32(buf[16:20], uint32(p.ifindex))
	return buf
}

func unmarshalPktinfo6(b []byte) (pktinfo6, error) {
	if len(b) < sizeofPktinfo6 {
		return pktinfo6{}, fmt.Errorf("netcore: short in6_pktinfo cmsg (%d bytes)", len(b))
	}
	var p pktinfo6
	copy(p.addr[:], b[0:16])
	p.ifindex = int32(binary.NativeEndian.Uint32(b[16:20]))
	return p, nil
}

// ancilInfo is what the UDP-ancillary receive path hands back to the comm
// point, and what SendReply consults to rebuild the matching control
// message.
type ancilInfo struct {
	srctype Srctype
	v4      pktinfo4
	v6      pktinfo6
}

// controlBufSize is large enough for one IP_PKTINFO or IPV6_PKTINFO
// message, per spec §4.3.
const controlBufSize = 64

// recvmsgAncillary performs one recvmsg and extracts source address plus
// any pktinfo ancillary data. If no pktinfo cmsg was present, srctype is
// SrctypeNone.
func recvmsgAncillary(fd int, buf []byte) (n int, from unix.Sockaddr, info ancilInfo, err error) {
	oob := make([]byte, controlBufSize)
	n, oobn, _, from, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		return 0, nil, ancilInfo{}, err
	}
	info, perr := parsePktinfoCmsgs(oob[:oobn])
	if perr != nil {
		// A malformed ancillary message is not a reason to drop a
		// otherwise-valid datagram; the reply just falls back to sendto.
		return n, from, ancilInfo{}, nil
	}
	return n, from, info, nil
}

// parsePktinfoCmsgs walks the control messages in buf, validating each
// cmsg_len before touching its payload (the sharpest unsafe spot in the
// core, per design note §9).
func parsePktinfoCmsgs(buf []byte) (ancilInfo, error) {
	msgs, err := unix.ParseSocketControlMessage(buf)
	if err != nil {
		return ancilInfo{}, err
	}
	for _, m := range msgs {
		switch {
		case m.Header.Level == unix.IPPROTO_IP && int(m.Header.Type) == unix.IP_PKTINFO:
			p, err := unmarshalPktinfo4(m.Data)
			if err != nil {
				return ancilInfo{}, err
			}
			return ancilInfo{srctype: SrctypeV4, v4: p}, nil
		case m.Header.Level == unix.IPPROTO_IPV6 && int(m.Header.Type) == unix.IPV6_PKTINFO:
			p, err := unmarshalPktinfo6(m.Data)
			if err != nil {
				return ancilInfo{}, err
			}
			return ancilInfo{srctype: SrctypeV6, v6: p}, nil
		}
	}
	return ancilInfo{}, nil
}

// sendmsgAncillary replies via sendmsg with a control message that pins the
// reply to the interface/source address the query arrived on. If info is
// SrctypeNone, a zero-filled IPv6 pktinfo is attached so the kernel picks a
// default route (spec §4.3).
func sendmsgAncillary(fd int, buf []byte, to unix.Sockaddr, info ancilInfo) error {
	var level, typ int
	var payload []byte

	switch info.srctype {
	case SrctypeV4:
		level, typ = unix.IPPROTO_IP, unix.IP_PKTINFO
		payload = info.v4.marshal()
	case SrctypeV6:
		level, typ = unix.IPPROTO_IPV6, unix.IPV6_PKTINFO
		payload = info.v6.marshal()
	default:
		level, typ = unix.IPPROTO_IPV6, unix.IPV6_PKTINFO
		payload = pktinfo6{}.marshal()
	}

	oob := buildCmsg(level, typ, payload)
	return unix.Sendmsg(fd, buf, oob, to, 0)
}

// buildCmsg constructs a single-message control buffer. The allocation is
// CmsgSpace-sized (content length rounded up for alignment padding);
// cmsg_len itself stays at the exact (unaligned) content length per
// unix.CmsgLen, matching what the kernel expects to find in the header.
func buildCmsg(level, typ int, payload []byte) []byte {
	space := unix.CmsgSpace(len(payload))
	buf := make([]byte, space)
	hdr := (*unix.Cmsghdr)(unsafe.Pointer(&buf[0]))
	hdr.Level = int32(level)
	hdr.Type = int32(typ)
	hdr.SetLen(unix.CmsgLen(len(payload)))
	copy(buf[unix.CmsgLen(0):], payload)
	return buf
}
