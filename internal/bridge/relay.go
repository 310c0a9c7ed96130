package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/docsassist/web-ui/internal/metrics"
	"github.com/gorilla/websocket"
)

const errLoggerKey = "err"

const (
	relayWriteWait  = 10 * time.Second
	relayPongWait   = 60 * time.Second
	relayPingPeriod = 54 * time.Second
	relaySendQueue  = 100
)

// Relay carries a window's messages over WebSocket. The upgrader rejects
// connections from origins the window's policy does not trust; a successful
// connection counts as the window's load signal. Inbound frames are dispatched
// through the window with the connection's origin, outbound envelopes are
// delivered to connections whose origin matches the envelope target.
type Relay struct {
	window *Window
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*relayConn]struct{}
}

type relayConn struct {
	sock   *websocket.Conn
	origin string
	send   chan envelope

	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRelay creates a relay for the given window and starts its broadcaster.
func NewRelay(w *Window, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		window: w,
		logger: logger.With(slog.String("module", "bridge"), slog.String("window", w.Name())),
		conns:  make(map[*relayConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(req *http.Request) bool {
				return w.Allows(req.Header.Get("Origin"))
			},
		},
	}

	go r.broadcast()

	return r
}

// Window returns the window this relay serves.
func (r *Relay) Window() *Window {
	return r.window
}

// ServeHTTP upgrades an embedded application's connection.
func (r *Relay) ServeHTTP(wr http.ResponseWriter, req *http.Request) {
	sock, err := r.upgrader.Upgrade(wr, req, nil)
	if err != nil {
		r.logger.Error("Failed to upgrade bridge connection",
			slog.String("remoteAddr", req.RemoteAddr),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	// The request context ends with the upgrade, so the connection carries its
	// own.
	ctx, cancel := context.WithCancel(context.Background())
	rc := &relayConn{
		sock:   sock,
		origin: normalizeOrigin(req.Header.Get("Origin")),
		send:   make(chan envelope, relaySendQueue),
		ctx:    ctx,
		cancel: cancel,
	}

	r.mu.Lock()
	r.conns[rc] = struct{}{}
	r.mu.Unlock()

	metrics.BridgeConnections.Inc()
	r.logger.Info("Embedded application connected",
		slog.String("origin", rc.origin),
		slog.String("remoteAddr", req.RemoteAddr))

	r.window.NotifyLoaded()

	go rc.writePump()
	go r.readPump(rc)
}

func (r *Relay) readPump(rc *relayConn) {
	defer func() {
		r.removeConn(rc)
		rc.writeMu.Lock()
		rc.sock.Close()
		rc.writeMu.Unlock()
		metrics.BridgeConnections.Dec()
	}()

	_ = rc.sock.SetReadDeadline(time.Now().Add(relayPongWait))
	rc.sock.SetPongHandler(func(string) error {
		return rc.sock.SetReadDeadline(time.Now().Add(relayPongWait))
	})

	for {
		_, data, err := rc.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				r.logger.Error("Bridge read error",
					slog.String("origin", rc.origin),
					slog.String(errLoggerKey, err.Error()))
			}
			return
		}
		r.window.Dispatch(rc.origin, data)
	}
}

func (rc *relayConn) writePump() {
	ticker := time.NewTicker(relayPingPeriod)
	defer func() {
		ticker.Stop()
		rc.cancel()
	}()

	for {
		select {
		case env, ok := <-rc.send:
			if !ok {
				rc.writeMu.Lock()
				_ = rc.sock.WriteMessage(websocket.CloseMessage, []byte{})
				rc.writeMu.Unlock()
				return
			}

			rc.writeMu.Lock()
			_ = rc.sock.SetWriteDeadline(time.Now().Add(relayWriteWait))
			err := rc.sock.WriteJSON(env)
			rc.writeMu.Unlock()
			if err != nil {
				return
			}

		case <-ticker.C:
			rc.writeMu.Lock()
			_ = rc.sock.SetWriteDeadline(time.Now().Add(relayWriteWait))
			err := rc.sock.WriteMessage(websocket.PingMessage, nil)
			rc.writeMu.Unlock()
			if err != nil {
				return
			}

		case <-rc.ctx.Done():
			return
		}
	}
}

// broadcast fans the window's outbound envelopes out to matching connections.
// It exits when the window is closed.
func (r *Relay) broadcast() {
	for env := range r.window.outbound {
		r.mu.RLock()
		for rc := range r.conns {
			if env.TargetOrigin != "*" && rc.origin != env.TargetOrigin {
				continue
			}
			select {
			case rc.send <- env:
			default:
				r.logger.Warn("Bridge backpressure, dropping outbound message",
					slog.String("origin", rc.origin))
			}
		}
		r.mu.RUnlock()
	}

	r.Close()
}

func (r *Relay) removeConn(rc *relayConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[rc]; ok {
		delete(r.conns, rc)
		close(rc.send)
		r.logger.Info("Embedded application disconnected", slog.String("origin", rc.origin))
	}
}

// Close tears down all connections of the relay.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for rc := range r.conns {
		rc.cancel()
		rc.sock.Close()
		close(rc.send)
	}
	r.conns = make(map[*relayConn]struct{})
}
