// Package receiver implements the inbound half of a protocol family: it
// reads packets off the shared raw socket, decodes listener reports and
// feeds them to the proxy instance that serves the arrival interface.
package receiver

import (
	"errors"
	"log/slog"
	"net"
	"sync"

	"firestige.xyz/mcproxy/internal/mcast"
	"firestige.xyz/mcproxy/internal/proxy"
	"firestige.xyz/mcproxy/internal/sender"
)

// ReportSink consumes decoded listener reports; implemented by the proxy
// instance.
type ReportSink interface {
	ReceiveReport(ifIndex int, report *mcast.Report)
}

// Receiver runs one read loop over the family's raw socket and dispatches
// decoded reports to the sink registered for the arrival interface.
type Receiver struct {
	version mcast.ProtocolVersion
	conn    *sender.Sender

	mu    sync.RWMutex
	sinks map[int]ReportSink

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a receiver over the sender's raw socket.
func New(version mcast.ProtocolVersion, conn *sender.Sender) *Receiver {
	return &Receiver{
		version: version,
		conn:    conn,
		sinks:   make(map[int]ReportSink),
		done:    make(chan struct{}),
	}
}

// Register routes reports arriving on ifIndex to sink.
func (r *Receiver) Register(ifIndex int, sink ReportSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[ifIndex] = sink
}

// Start runs the read loop.
func (r *Receiver) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop terminates the read loop. The shared socket is closed by its owning
// sender, which unblocks the pending read.
func (r *Receiver) Stop() {
	close(r.done)
	r.wg.Wait()
}

func (r *Receiver) run() {
	defer r.wg.Done()
	buf := make([]byte, 65535)
	for {
		ifIndex, payload, err := r.read(buf)
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("read failed", "version", r.version.String(), "error", err)
			continue
		}
		if payload == nil {
			continue
		}
		r.dispatch(ifIndex, payload)
	}
}

// read blocks for the next packet and returns the arrival interface and the
// protocol payload (IGMP message or ICMPv6 body).
func (r *Receiver) read(buf []byte) (int, []byte, error) {
	if raw := r.conn.RawConn(); raw != nil {
		_, payload, cm, err := raw.ReadFrom(buf)
		if err != nil {
			return 0, nil, err
		}
		ifIndex := 0
		if cm != nil {
			ifIndex = cm.IfIndex
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return ifIndex, out, nil
	}

	p := r.conn.PacketConn()
	n, cm, _, err := p.ReadFrom(buf)
	if err != nil {
		return 0, nil, err
	}
	ifIndex := 0
	if cm != nil {
		ifIndex = cm.IfIndex
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return ifIndex, out, nil
}

func (r *Receiver) dispatch(ifIndex int, payload []byte) {
	r.mu.RLock()
	sink := r.sinks[ifIndex]
	r.mu.RUnlock()
	if sink == nil {
		// Traffic from an interface no instance serves, e.g. our own
		// queries looped back on the upstream side.
		return
	}

	var (
		report *mcast.Report
		err    error
	)
	switch r.version {
	case mcast.IGMPv3:
		report, err = mcast.ParseIGMP(payload)
	case mcast.MLDv2:
		report, err = mcast.ParseMLD(payload)
	}
	if err != nil {
		slog.Warn("failed to decode report", "if_index", ifIndex, "error", err)
		return
	}
	if report == nil {
		// Query or older-version message; nothing for the querier core.
		return
	}
	sink.ReceiveReport(ifIndex, report)
}

var _ ReportSink = (*proxy.Instance)(nil)
