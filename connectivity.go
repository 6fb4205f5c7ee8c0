package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Connectivity Signal
// ============================================================================

// ConnectivityMessage is the wire format of the connectivity signal.
// Messages without onlineStatus are ignored.
type ConnectivityMessage struct {
	OnlineStatus *bool `json:"onlineStatus,omitempty"`
}

// Connectivity tracks the host's online status. Subscribers hear about
// transitions; report watchers hear about every report, repeated ones
// included. Until the first report arrives the status is unknown and
// Online reports true; the first report always counts as a transition.
type Connectivity struct {
	mu      sync.Mutex
	known   bool
	online  bool
	subs    []func(online bool)
	reports []func(online bool)

	events *Emitter
	logger *log.Logger
}

// NewConnectivity creates a signal in the unknown state.
func NewConnectivity(events *Emitter, logger *log.Logger) *Connectivity {
	if logger == nil {
		logger = discardLogger
	}
	return &Connectivity{online: true, events: events, logger: logger}
}

// Online returns the last reported status.
func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Subscribe registers fn to run on every transition, in registration order.
func (c *Connectivity) Subscribe(fn func(online bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// OnReport registers fn to run on every status report, after any
// transition subscribers.
func (c *Connectivity) OnReport(fn func(online bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, fn)
}

// Set records a status report. It returns true when the report changed the
// status, in which case subscribers have been called. Report watchers are
// called either way.
func (c *Connectivity) Set(online bool) bool {
	c.mu.Lock()
	changed := !c.known || c.online != online
	c.known = true
	c.online = online
	var subs []func(bool)
	if changed {
		subs = append(subs, c.subs...)
	}
	reports := append([]func(bool){}, c.reports...)
	c.mu.Unlock()

	if !changed {
		for _, fn := range reports {
			fn(online)
		}
		return false
	}

	if online {
		c.logger.Printf("connectivity: online")
		c.events.emit(EventNetworkOnline, nil)
	} else {
		c.logger.Printf("connectivity: offline")
		c.events.emit(EventNetworkOffline, nil)
	}
	for _, fn := range subs {
		fn(online)
	}
	for _, fn := range reports {
		fn(online)
	}
	return true
}

// Handle applies one raw message. Messages that are not JSON or lack
// onlineStatus are ignored.
func (c *Connectivity) Handle(data []byte) {
	var msg ConnectivityMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Printf("connectivity: ignoring malformed message: %v", err)
		return
	}
	if msg.OnlineStatus == nil {
		return
	}
	c.Set(*msg.OnlineStatus)
}

// Handler returns a websocket endpoint receiving ConnectivityMessage values.
// Each message is answered with the status after applying it.
func (c *Connectivity) Handler(originPatterns ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			c.logger.Printf("connectivity: websocket accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					conn.Close(websocket.StatusNormalClosure, "")
				}
				return
			}
			c.Handle(data)
			status := c.Online()
			if err := wsjson.Write(ctx, conn, ConnectivityMessage{OnlineStatus: &status}); err != nil {
				c.logger.Printf("connectivity: write ack: %v", err)
				return
			}
		}
	})
}

// SendConnectivity reports online to a Connectivity websocket endpoint and
// returns the status it acknowledged. http(s) URLs are converted to ws(s).
func SendConnectivity(ctx context.Context, endpoint string, online bool) (bool, error) {
	wsURL := strings.Replace(endpoint, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close(websocket.StatusInternalError, "")

	if err := wsjson.Write(ctx, conn, ConnectivityMessage{OnlineStatus: &online}); err != nil {
		return false, fmt.Errorf("send connectivity: %w", err)
	}
	var ack ConnectivityMessage
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		return false, fmt.Errorf("read connectivity ack: %w", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
	if ack.OnlineStatus == nil {
		return false, fmt.Errorf("connectivity ack without onlineStatus")
	}
	return *ack.OnlineStatus, nil
}
