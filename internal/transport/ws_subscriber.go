package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/germtb/corewire/internal/errs"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// wireEnvelope is the JSON frame exchanged over the live-subscription
// socket; corewire does not own the wire format (SPEC_FULL §5 Non-goals),
// only the client-side pump that turns frames into Envelopes.
type wireEnvelope struct {
	Kind     string `json:"kind"`
	GroupID  []byte `json:"group_id"`
	Payload  []byte `json:"payload"`
	Sequence int64  `json:"sequence"`
}

// WSSubscriber consumes a live subscription over a WebSocket connection,
// the transport side of subscribe_group_messages / subscribe_welcome_messages
// (spec §6).
type WSSubscriber struct {
	dialer *websocket.Dialer
	url    string
	header map[string][]string
}

// NewWSSubscriber builds a subscriber that dials url on Subscribe.
func NewWSSubscriber(url string, header map[string][]string) *WSSubscriber {
	return &WSSubscriber{dialer: websocket.DefaultDialer, url: url, header: header}
}

// Subscribe dials the live-subscription endpoint and pumps incoming frames
// onto the returned channel until ctx is canceled or the connection drops.
func (s *WSSubscriber) Subscribe(ctx context.Context, groupIDs [][]byte, installationKey []byte) (<-chan Envelope, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, toHTTPHeader(s.header))
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, "transport.WSSubscriber.Subscribe", "dial", err)
	}

	sub := struct {
		GroupIDs        [][]byte `json:"group_ids"`
		InstallationKey []byte   `json:"installation_key"`
	}{GroupIDs: groupIDs, InstallationKey: installationKey}
	subBytes, err := json.Marshal(sub)
	if err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.KindProtocol, "transport.WSSubscriber.Subscribe", "marshal subscription", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, subBytes); err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.KindNetwork, "transport.WSSubscriber.Subscribe", "send subscription", err)
	}

	out := make(chan Envelope, 64)
	go s.readPump(ctx, conn, out)
	go s.pingPump(ctx, conn)
	return out, nil
}

func (s *WSSubscriber) readPump(ctx context.Context, conn *websocket.Conn, out chan<- Envelope) {
	defer close(out)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var w wireEnvelope
		if err := json.Unmarshal(data, &w); err != nil {
			continue // malformed frame: skip, don't kill the connection
		}
		env := Envelope{Kind: w.Kind, GroupID: w.GroupID, Payload: w.Payload, Sequence: w.Sequence}
		select {
		case out <- env:
		case <-ctx.Done():
			return
		}
	}
}

func (s *WSSubscriber) pingPump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func toHTTPHeader(h map[string][]string) map[string][]string {
	if h == nil {
		return nil
	}
	return h
}
