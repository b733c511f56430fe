// Command netevent-demo wires up the network event core as a minimal DNS
// responder: one UDP comm point and one TCP accept point with a small
// handler pool, both driven by a single event base. It exists to exercise
// the core end to end, not as a real resolver — message parsing is out of
// scope (spec §1), so the callback here only echoes each query back,
// zero-padded to dns.MinMsgSize bytes when shorter.
package main

import (
	"flag"
	"os"

	"github.com/billyrubin/netevent/internal/netcore"
	"github.com/billyrubin/netevent/internal/netlog"
	"github.com/miekg/dns"
	"golang.org/x/sys/unix"
)

func main() {
	port := flag.Int("port", 5053, "UDP/TCP port to listen on")
	numHandlers := flag.Int("tcp-handlers", 16, "preallocated TCP handler pool size")
	verbose := flag.Bool("v", false, "high verbosity logging")
	flag.Parse()

	verb := netlog.VerbosityLow
	if *verbose {
		verb = netlog.VerbosityHigh
	}
	log := netlog.Setup(verb)

	base, err := netcore.CreateBase(log, true)
	if err != nil {
		log.Error("failed to create event base", "error", err)
		os.Exit(1)
	}
	defer base.Delete()

	udpFD, err := netcore.BindUDP("", *port, true)
	if err != nil {
		log.Error("failed to bind udp", "error", err)
		os.Exit(1)
	}
	udpPoint, err := netcore.CreateUDPAncil(base, log, verb, udpFD, 65535, echoCallback, nil)
	if err != nil {
		log.Error("failed to create udp comm point", "error", err)
		os.Exit(1)
	}
	defer udpPoint.Delete()

	tcpFD, err := netcore.ListenTCP("", *port)
	if err != nil {
		log.Error("failed to listen tcp", "error", err)
		os.Exit(1)
	}
	tcpPoint, err := netcore.CreateTCP(base, log, verb, tcpFD, *numHandlers, 65535, echoCallback, nil)
	if err != nil {
		log.Error("failed to create tcp accept point", "error", err)
		os.Exit(1)
	}
	defer tcpPoint.Delete()

	sigs, err := netcore.CreateSignalSet(base, log, func(sig int) {
		log.Info("received signal, exiting", "signal", sig)
		base.Exit()
	}, nil)
	if err != nil {
		log.Error("failed to create signal set", "error", err)
		os.Exit(1)
	}
	for _, s := range []int{int(unix.SIGINT), int(unix.SIGTERM)} {
		if err := sigs.Bind(s); err != nil {
			log.Error("failed to bind signal", "signal", s, "error", err)
			os.Exit(1)
		}
	}
	defer sigs.Delete()

	log.Info("netevent-demo listening", "port", *port, "tcp_handlers", *numHandlers)
	if err := base.Dispatch(); err != nil {
		log.Error("event base dispatch failed", "error", err)
		os.Exit(1)
	}
}

// echoCallback bounces the query payload back to the sender, zero-padded to
// dns.MinMsgSize (512) bytes when it is shorter. Only the reply is padded;
// the query has already passed the TCP framing minimum by the time the
// callback runs.
func echoCallback(c *netcore.CommPoint, _ any, kind netcore.ErrorKind, reply *netcore.ReplyInfo) bool {
	if kind != netcore.NetEventNoError {
		return false
	}
	buf := c.Buffer()
	n := buf.Remaining()
	msg := make([]byte, n)
	copy(msg, buf.Bytes())
	if len(msg) < dns.MinMsgSize {
		padded := make([]byte, dns.MinMsgSize)
		copy(padded, msg)
		msg = padded
	}

	buf.Clear()
	buf.WriteSlice(msg)
	buf.Flip()
	return true
}
