// Package sfu implements the UDP selective forwarding unit (§4.6): two
// fixed-port relays (voice, video) that resolve a datagram's source
// address to its sender via the registry, overwrite the SSRC
// authoritatively, and fan it out to every other known endpoint.
package sfu

import (
	"context"
	"log"
	"net"
	"sync/atomic"

	"vagabond/server/mediahdr"
	"vagabond/server/registry"
)

// maxDatagramSize bounds a single read; RTP-ish media datagrams for voice
// and screen-share never approach this, it only guards against a
// pathological oversized packet wasting a read buffer.
const maxDatagramSize = 64 * 1024

// Port is which endpoint field and header MediaType a Relay concerns
// itself with.
type Port int

const (
	PortVoice Port = iota
	PortVideo
)

// Relay owns one UDP socket and fans out datagrams arriving on it to
// every other authenticated user's matching endpoint (§4.6).
type Relay struct {
	port     Port
	registry *registry.Registry
	conn     *net.UDPConn

	droppedUnknownSender atomic.Int64
	droppedMalformed     atomic.Int64
}

// Listen binds addr (§4.6: typically ":40000" for voice, ":40001" for
// video) and returns a Relay ready to Serve.
func Listen(port Port, reg *registry.Registry, addr string) (*Relay, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Relay{port: port, registry: reg, conn: conn}, nil
}

// LocalAddr returns the bound socket's address, mainly for tests that bind
// to port 0 and need to learn the assigned port.
func (r *Relay) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// Close closes the underlying socket, unblocking Serve.
func (r *Relay) Close() error {
	return r.conn.Close()
}

// Serve runs the receive loop until ctx is cancelled or the socket errors.
// Stateless per datagram apart from the registry lookup (§4.6): no jitter
// buffer, no reordering, no retransmission.
func (r *Relay) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.handleDatagram(buf[:n], src)
	}
}

func (r *Relay) handleDatagram(raw []byte, src *net.UDPAddr) {
	sender, ok := r.resolveSender(src)
	if !ok {
		r.droppedUnknownSender.Add(1)
		return
	}

	dgram, err := mediahdr.Unpack(raw)
	if err != nil {
		r.droppedMalformed.Add(1)
		return
	}

	dgram.SSRC = mediahdr.SSRCOf(sender)
	out := mediahdr.Pack(dgram)

	for user, ep := range r.registry.AllEndpoints() {
		if user == sender {
			continue
		}
		dstPort := ep.VoicePort
		if r.port == PortVideo {
			dstPort = ep.VideoPort
		}
		if dstPort == 0 {
			continue
		}
		dst := &net.UDPAddr{IP: net.ParseIP(ep.Addr), Port: dstPort}
		if _, err := r.conn.WriteToUDP(out, dst); err != nil {
			log.Printf("[sfu] write to %s (%s): %v", user, dst, err)
		}
	}
}

func (r *Relay) resolveSender(src *net.UDPAddr) (string, bool) {
	if r.port == PortVideo {
		return r.registry.UserByVideoEndpoint(src)
	}
	return r.registry.UserByVoiceEndpoint(src)
}

// Stats reports counters for periodic logging (§9): datagrams dropped for
// an unrecognized source endpoint, and datagrams dropped for failing
// mediahdr.Unpack.
func (r *Relay) Stats() (droppedUnknownSender, droppedMalformed int64) {
	return r.droppedUnknownSender.Load(), r.droppedMalformed.Load()
}
