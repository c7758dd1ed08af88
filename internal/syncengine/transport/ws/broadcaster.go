// Package ws streams engine broadcast events to websocket clients. Each
// connection gets its own bus subscription; a client that stops reading
// loses events rather than stalling the engine.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/bridgelink/syncengine/internal/syncengine/events"
)

const writeTimeout = 5 * time.Second

type Broadcaster struct {
	bus    *events.InProcBus
	logger *slog.Logger
}

func NewBroadcaster(bus *events.InProcBus, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		bus:    bus,
		logger: logger.With("component", "ws_broadcaster"),
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.logger.WarnContext(r.Context(), "Websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	sub, unsubscribe := b.bus.Subscribe()
	defer unsubscribe()

	b.logger.InfoContext(ctx, "Websocket subscriber connected", "remote", r.RemoteAddr)

	// Reader goroutine surfaces client disconnects; no inbound messages
	// are expected.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				b.logger.DebugContext(ctx, "Websocket subscriber dropped", "error", err, "remote", r.RemoteAddr)
				return
			}
		}
	}
}
