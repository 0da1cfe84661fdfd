package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protocolICMP     = 1
	protocolIPv6ICMP = 58
)

var echoID = uint32(os.Getpid() & 0xffff)

// ICMPPinger sends ICMP echo requests. Unprivileged mode uses datagram ICMP
// sockets (Linux net.ipv4.ping_group_range, macOS); privileged mode opens a
// raw socket and needs CAP_NET_RAW or root.
type ICMPPinger struct {
	Privileged bool

	seq atomic.Uint32
}

// Ping sends one echo request to host and waits for the matching reply.
func (p *ICMPPinger) Ping(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
	ip, err := resolve(ctx, host)
	if err != nil {
		return 0, err
	}
	v4 := ip.To4() != nil

	network, listen := "udp4", "0.0.0.0"
	if p.Privileged {
		network = "ip4:icmp"
	}
	var reqType icmp.Type = ipv4.ICMPTypeEcho
	var replyType icmp.Type = ipv4.ICMPTypeEchoReply
	proto := protocolICMP
	if !v4 {
		network, listen = "udp6", "::"
		if p.Privileged {
			network = "ip6:ipv6-icmp"
		}
		reqType, replyType, proto = ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply, protocolIPv6ICMP
	}

	conn, err := icmp.ListenPacket(network, listen)
	if err != nil {
		return 0, fmt.Errorf("listen %s: %w", network, err)
	}
	defer conn.Close()
	// Closing the socket unblocks ReadFrom on cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: reqType,
		Body: &icmp.Echo{
			ID:   int(echoID),
			Seq:  seq,
			Data: []byte("unlock-bot-latency-probe"),
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	var dst net.Addr = &net.IPAddr{IP: ip}
	if !p.Privileged {
		dst = &net.UDPAddr{IP: ip}
	}

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return 0, fmt.Errorf("write echo: %w", err)
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			if ctx.Err() != nil {
				return 0, context.Cause(ctx)
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return 0, fmt.Errorf("no reply within %s", timeout)
			}
			return 0, err
		}
		rtt := time.Since(start)
		reply, err := icmp.ParseMessage(proto, rb[:n])
		if err != nil || reply.Type != replyType {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		// Datagram sockets get their ID rewritten by the kernel.
		if p.Privileged && echo.ID != int(echoID) {
			continue
		}
		return rtt, nil
	}
}

func resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	return addrs[0].IP, nil
}
