package server

import (
	"context"
	"net"

	"mcast-chat/internal/broadcast"
	"mcast-chat/internal/logger"
	"mcast-chat/internal/protocol"
)

type SnapshotSource interface {
	Snapshot() protocol.Snapshot
}

type replier interface {
	WriteTo(b []byte, addr *net.UDPAddr) error
}

// DiscoveryResponder answers DISCOVER_SERVER datagrams with a registry
// snapshot sent back to the requester.
type DiscoveryResponder struct {
	source  SnapshotSource
	log     *logger.Logger
	metrics *Metrics
}

func NewDiscoveryResponder(source SnapshotSource, log *logger.Logger, metrics *Metrics) *DiscoveryResponder {
	return &DiscoveryResponder{source: source, log: log, metrics: metrics}
}

func (d *DiscoveryResponder) Serve(ctx context.Context, l *broadcast.Listener) error {
	d.log.Info("answering discovery requests on port %d", l.Port())
	return l.Serve(ctx, func(data []byte, remoteAddr *net.UDPAddr) {
		d.handle(l, data, remoteAddr)
	})
}

func (d *DiscoveryResponder) handle(w replier, data []byte, remoteAddr *net.UDPAddr) {
	if !protocol.IsDiscoverRequest(data) {
		d.log.Warn("ignoring unexpected discovery payload from %s (%d bytes)", remoteAddr, len(data))
		d.metrics.DiscoveryRequests.WithLabelValues("invalid").Inc()
		return
	}

	snap := d.source.Snapshot()
	resp, err := protocol.EncodeSnapshot(snap)
	if err != nil {
		d.log.Error("failed to encode snapshot: %v", err)
		d.metrics.DiscoveryRequests.WithLabelValues("error").Inc()
		return
	}

	if err := w.WriteTo(resp, remoteAddr); err != nil {
		d.log.Error("failed to send room list to %s: %v", remoteAddr, err)
		d.metrics.DiscoveryRequests.WithLabelValues("error").Inc()
		return
	}

	d.log.Debug("sent %d rooms (seq %d) to %s", len(snap.Rooms), snap.Seq, remoteAddr)
	d.metrics.DiscoveryRequests.WithLabelValues("ok").Inc()
}
