/*
 *
 * cdp-version-probe - browser version detection over the Chrome DevTools Protocol
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package cdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"

	"github.com/grafana/cdp-version-probe/log"
)

const (
	wsWriteBufferSize = 1 << 20

	// DefaultHandshakeTimeout bounds the WebSocket opening handshake of
	// dialers created by NewDialer with a zero timeout.
	DefaultHandshakeTimeout = 10 * time.Second

	closeTimeout = 10 * time.Second
)

// NewDialer returns a WebSocket dialer suitable for CDP endpoints.
func NewDialer(handshakeTimeout time.Duration) *websocket.Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}
}

// Connection is a WebSocket connection to a CDP endpoint that exchanges
// JSON text frames.
type Connection struct {
	wsURL     string
	logger    *log.Logger
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewConnection dials the CDP endpoint at wsURL. A nil dialer means
// NewDialer(DefaultHandshakeTimeout).
func NewConnection(ctx context.Context, wsURL string, dialer *websocket.Dialer, logger *log.Logger) (*Connection, error) {
	if dialer == nil {
		dialer = NewDialer(DefaultHandshakeTimeout)
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connecting to %q: %w (status %s)", wsURL, err, resp.Status)
		}
		return nil, fmt.Errorf("connecting to %q: %w", wsURL, err)
	}
	logger.Debugf("cdp", "established CDP connection to %q", wsURL)

	return &Connection{
		wsURL:  wsURL,
		logger: logger,
		conn:   conn,
	}, nil
}

// ReadMessage blocks until the next frame arrives and returns its payload.
func (c *Connection) ReadMessage() ([]byte, error) {
	_, buf, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.logger.Debugf("cdp:recv", "<- %s", buf)

	return buf, nil
}

// WriteMessage sends buf as a single text frame.
func (c *Connection) WriteMessage(buf []byte) error {
	c.logger.Debugf("cdp:send", "-> %s", buf)
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return fmt.Errorf("opening frame writer: %w", err)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("flushing frame: %w", err)
	}

	return nil
}

// Send encodes msg and sends it as a single text frame.
func (c *Connection) Send(msg easyjson.Marshaler) error {
	buf, err := easyjson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding CDP message: %w", err)
	}
	return c.WriteMessage(buf)
}

// Close sends a normal closure frame and closes the underlying connection.
// Only the first call has an effect; later calls return the first result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		defer func() {
			if err := c.conn.Close(); err != nil && c.closeErr == nil && !errors.Is(err, net.ErrClosed) {
				c.closeErr = err
			}
		}()

		err := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeTimeout),
		)
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
			c.closeErr = fmt.Errorf("sending close frame to %q: %w", c.wsURL, err)
		}
		c.logger.Debugf("cdp", "closed CDP connection to %q", c.wsURL)
	})

	return c.closeErr
}

// IsClosedError reports whether err is the result of the connection having
// been closed, either by us or by a normal closure from the peer.
func IsClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
