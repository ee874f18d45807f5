package server

import (
	"context"
	"time"

	"mcast-chat/internal/broadcast"
	"mcast-chat/internal/logger"
	"mcast-chat/internal/netutil"
	"mcast-chat/internal/protocol"
)

const sendTimeout = time.Second

// Broadcaster publishes registry events as broadcast datagrams. Delivery is
// best effort; failures are logged and counted only.
type Broadcaster struct {
	host    netutil.IPv4
	port    uint16
	log     *logger.Logger
	metrics *Metrics
}

func NewBroadcaster(host netutil.IPv4, port uint16, log *logger.Logger, metrics *Metrics) *Broadcaster {
	return &Broadcaster{host: host, port: port, log: log, metrics: metrics}
}

func (b *Broadcaster) Publish(e protocol.Event) {
	data, err := protocol.EncodeEvent(e)
	if err != nil {
		b.log.Error("failed to encode notification %s: %v", e, err)
		b.metrics.Notifications.WithLabelValues(string(e.Action), "error").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := broadcast.Send(ctx, b.host, b.port, data); err != nil {
		b.log.Error("failed to broadcast notification %s: %v", e, err)
		b.metrics.Notifications.WithLabelValues(string(e.Action), "error").Inc()
		return
	}

	b.log.Debug("broadcast notification %s to %s", e, netutil.FormatAddress(b.host, b.port))
	b.metrics.Notifications.WithLabelValues(string(e.Action), "ok").Inc()
}
