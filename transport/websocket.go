// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
)

// wsLink frames the protocol over a WebSocket connection: each
// protocol frame travels as one binary message whose first byte is
// the message type, so the WebSocket layer's own framing replaces the
// length prefix.
type wsLink struct {
	conn *websocket.Conn
}

func (l *wsLink) readFrame() (byte, []byte, error) {
	messageType, data, err := l.conn.ReadMessage()
	if err != nil {
		// A close frame from the peer is the WebSocket spelling of EOF.
		if websocket.IsCloseError(err, websocket.CloseNormalClosure,
			websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}
	if messageType != websocket.BinaryMessage {
		return 0, nil, fmt.Errorf("transport: unexpected websocket message type %d", messageType)
	}
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("transport: empty websocket message")
	}
	if len(data)-1 > maxFramePayload {
		return 0, nil, fmt.Errorf("transport: frame payload %d exceeds limit", len(data)-1)
	}
	return data[0], data[1:], nil
}

func (l *wsLink) writeFrame(kind byte, payload []byte) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("transport: frame payload %d exceeds limit", len(payload))
	}
	message := make([]byte, 1+len(payload))
	message[0] = kind
	copy(message[1:], payload)
	return l.conn.WriteMessage(websocket.BinaryMessage, message)
}

func (l *wsLink) Close() error { return l.conn.Close() }

func (l *wsLink) remoteAddr() string { return l.conn.RemoteAddr().String() }

// WebSocketHandler returns an http.Handler that upgrades requests and
// attaches the resulting connections to the node. Mount it on any mux
// for deployments that must traverse HTTP infrastructure.
func WebSocketHandler(node *Node) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 64 << 10,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go node.runLink(&wsLink{conn: conn}, false)
	})
}

// DialWebSocket connects to a participant's WebSocket endpoint (a
// "ws://host:port/path" URL) and attaches the connection to the node.
func DialWebSocket(ctx context.Context, url string, node *Node) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	go node.runLink(&wsLink{conn: conn}, true)
	return nil
}
