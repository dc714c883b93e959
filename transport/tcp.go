// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"
)

// tcpLink frames the protocol over a raw TCP connection.
type tcpLink struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newTCPLink(conn net.Conn) *tcpLink {
	return &tcpLink{conn: conn, reader: bufio.NewReader(conn)}
}

func (l *tcpLink) readFrame() (byte, []byte, error) {
	return readFrame(l.reader)
}

func (l *tcpLink) writeFrame(kind byte, payload []byte) error {
	return writeFrame(l.conn, kind, payload)
}

func (l *tcpLink) Close() error { return l.conn.Close() }

func (l *tcpLink) remoteAddr() string { return l.conn.RemoteAddr().String() }

// TCPListener accepts inbound participant connections. This is the
// development and same-LAN carrier; it requires direct TCP
// reachability between participants.
type TCPListener struct {
	listener net.Listener
	node     *Node
}

// ListenTCP binds the given address (use ":0" for a random port) and
// attaches accepted connections to the node.
func ListenTCP(address string, node *Node) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener, node: node}, nil
}

// Serve accepts connections until ctx is cancelled or Close is
// called. Each accepted connection handshakes and pumps frames on its
// own goroutine. Returns nil on clean shutdown.
func (l *TCPListener) Serve(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.listener.Close()
		case <-done:
		}
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go l.node.runLink(newTCPLink(conn), false)
	}
}

// Address returns the bound address in "host:port" form.
func (l *TCPListener) Address() string { return l.listener.Addr().String() }

// Close stops accepting. Established connections stay up.
func (l *TCPListener) Close() error { return l.listener.Close() }

// DialTCP connects to a listening participant and attaches the
// connection to the node. Returns once the hello handshake is
// written; the node reports the peer via ParticipantConnected when
// the handshake completes.
func DialTCP(ctx context.Context, address string, node *Node) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	go node.runLink(newTCPLink(conn), true)
	return nil
}
