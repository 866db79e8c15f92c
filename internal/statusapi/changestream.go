package statusapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lithos-systems/petra/internal/engine"
	"github.com/lithos-systems/petra/pkg/bus"
)

// writeWait bounds how long a single websocket write may block before the
// connection is considered dead and dropped, same discipline as any
// bounded-channel fan-out in the bus itself.
const writeWait = 5 * time.Second

// pingInterval keeps idle connections (signals that rarely change) alive
// through intermediate proxies that close quiet TCP connections.
const pingInterval = 30 * time.Second

// serveChangeStream upgrades to a websocket and streams every bus change
// event as a ChangeStreamMessage until the client disconnects or the bus
// subscription is canceled. The wire format is the change-stream
// envelope: {"type":"SignalChanged", ...}.
func (api *API) serveChangeStream(w http.ResponseWriter, r *http.Request) {
	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	changes, cancelChanges := api.bus.Subscribe()
	defer cancelChanges()
	scans, cancelScans := api.eng.SubscribeScans()
	defer cancelScans()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case ev, ok := <-changes:
			if !ok {
				return
			}
			if err := writeChange(conn, ev); err != nil {
				log.Debugf("change stream write failed, closing: %v", err)
				return
			}
		case sev, ok := <-scans:
			if !ok {
				return
			}
			if err := writeScanCompleted(conn, sev); err != nil {
				log.Debugf("change stream write failed, closing: %v", err)
				return
			}
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeChange(conn *websocket.Conn, ev bus.ChangeEvent) error {
	wv := toWireValue(ev.Value)
	msg := ChangeStreamMessage{
		Type:      "SignalChanged",
		Signal:    ev.Name,
		Value:     &wv,
		Timestamp: time.Now().UnixNano(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func writeScanCompleted(conn *websocket.Conn, ev engine.ScanEvent) error {
	msg := ChangeStreamMessage{
		Type:       "ScanCompleted",
		Scan:       ev.ScanCount,
		DurationUs: ev.Duration.Microseconds(),
		Timestamp:  time.Now().UnixNano(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
