package progressbus

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/research"
)

// Handler upgrades HTTP requests to WebSocket connections streaming one
// session's progress events: the replayed current state, then live events,
// until a terminal event publishes or the client disconnects. Grounded on
// the adapter's write-mutex-and-JSON-frame pattern, adapted here to a
// server-side subscribe-and-pump loop instead of a bidirectional adapter.
type Handler struct {
	bus         *Bus
	logger      *zap.Logger
	sessionIDOf func(*http.Request) string
}

// NewHandler builds a Handler publishing from bus. sessionIDOf extracts the
// session id this connection wants to observe, typically from a path
// parameter or query string set up by the caller's router.
func NewHandler(bus *Bus, logger *zap.Logger, sessionIDOf func(*http.Request) string) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{bus: bus, logger: logger.With(zap.String("component", "progressbus_ws")), sessionIDOf: sessionIDOf}
}

// ServeHTTP upgrades the connection and pumps events until the subscription
// closes (terminal event delivered, or the bus is torn down for this
// session) or the client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := h.sessionIDOf(r)
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err), zap.String("session_id", sessionID))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	sub := h.bus.Subscribe(sessionID)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				h.logger.Debug("websocket write failed, dropping subscriber", zap.Error(err), zap.String("session_id", sessionID))
				return
			}
			if evt.Type.IsTerminal() {
				conn.Close(websocket.StatusNormalClosure, "session complete")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt research.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
