package netcore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPktinfo4RoundTrip(t *testing.T) {
	p := pktinfo4{ifindex: 3, specDst: [4]byte{10, 0, 0, 1}, addr: [4]byte{192, 168, 1, 1}}
	got, err := unmarshalPktinfo4(p.marshal())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestPktinfo4ShortBuffer(t *testing.T) {
	_, err := unmarshalPktinfo4(make([]byte, 4))
	require.Error(t, err)
}

func TestPktinfo6RoundTrip(t *testing.T) {
	var addr [16]byte
	addr[0] = 0xfe
	addr[1] = 0x80
	addr[15] = 0x01
	p := pktinfo6{addr: addr, ifindex: 7}
	got, err := unmarshalPktinfo6(p.marshal())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestPktinfo6ShortBuffer(t *testing.T) {
	_, err := unmarshalPktinfo6(make([]byte, 10))
	require.Error(t, err)
}

func TestBuildAndParseCmsgV4(t *testing.T) {
	p := pktinfo4{ifindex: 2, specDst: [4]byte{127, 0, 0, 1}, addr: [4]byte{127, 0, 0, 1}}
	oob := buildCmsg(unix.IPPROTO_IP, unix.IP_PKTINFO, p.marshal())

	info, err := parsePktinfoCmsgs(oob)
	require.NoError(t, err)
	require.Equal(t, SrctypeV4, info.srctype)
	require.Equal(t, p, info.v4)
}
