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

// Package ws provides a WebSocket server that stands in for a CDP endpoint
// in tests.
package ws

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mccutchen/go-httpbin/httpbin"
)

// Server can be used as a test alternative to a real CDP compatible browser.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server

	mu       sync.Mutex
	received [][]byte
	methods  []cdproto.MethodType

	// Disconnected receives the path of a CDP handler whenever its client
	// goes away.
	Disconnected chan string
}

// NewServer returns a fully configured and running WS test server. Paths
// without a handler are served by httpbin, so they answer plain HTTP and
// refuse the WebSocket handshake.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.Handle("/", httpbin.New().Handler())

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	s := &Server{
		t:            t,
		Mux:          mux,
		ServerHTTP:   server,
		Disconnected: make(chan string, 16),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the WebSocket URL of path on the server.
func (s *Server) URL(path string) string {
	return "ws" + strings.TrimPrefix(s.ServerHTTP.URL, "http") + path
}

// Received returns a copy of the raw frames received by CDP handlers.
func (s *Server) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

// Methods returns the CDP methods received by CDP handlers, in order.
func (s *Server) Methods() []cdproto.MethodType {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]cdproto.MethodType, len(s.methods))
	copy(out, s.methods)
	return out
}

// WaitDisconnected fails the test unless the client of the handler at path
// disconnects within timeout.
func (s *Server) WaitDisconnected(path string, timeout time.Duration) {
	s.t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case p := <-s.Disconnected:
			if p == path {
				return
			}
		case <-deadline:
			s.t.Fatalf("client of %q did not disconnect within %s", path, timeout)
			return
		}
	}
}

func (s *Server) record(buf []byte) {
	var msg cdproto.Message
	decoder := jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&decoder)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, buf)
	if decoder.Error() == nil && msg.Method != "" {
		s.methods = append(s.methods, msg.Method)
	}
}

// WithCDPHandler attaches a handler at path that calls fn with every frame it
// receives. fn returns the frames to send back.
func WithCDPHandler(path string, fn func(msg []byte) (replies []string)) func(*Server) {
	return func(s *Server) {
		s.Mux.Handle(path, s.cdpHandler(path, nil, fn))
	}
}

// WithReplies attaches a handler at path that answers the first frame it
// receives with replies and ignores later frames.
func WithReplies(path string, replies ...string) func(*Server) {
	return func(s *Server) {
		s.Mux.Handle(path, s.cdpHandler(path, nil, replyOnce(replies)))
	}
}

// WithGreeting attaches a handler at path that sends greetings as soon as
// the connection opens and answers the first frame it receives with replies.
func WithGreeting(path string, greetings []string, replies ...string) func(*Server) {
	return func(s *Server) {
		s.Mux.Handle(path, s.cdpHandler(path, greetings, replyOnce(replies)))
	}
}

// WithSilentHandler attaches a handler at path that accepts the connection
// and never answers.
func WithSilentHandler(path string) func(*Server) {
	return WithCDPHandler(path, func([]byte) []string { return nil })
}

func replyOnce(replies []string) func([]byte) []string {
	var once sync.Once
	return func([]byte) []string {
		var out []string
		once.Do(func() { out = replies })
		return out
	}
}

func (s *Server) cdpHandler(path string, greetings []string, fn func([]byte) []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
			select {
			case s.Disconnected <- path:
			default:
			}
		}()

		write := func(frames []string) bool {
			for _, f := range frames {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
					return false
				}
			}
			return true
		}
		if !write(greetings) {
			return
		}
		for {
			_, buf, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.record(buf)
			if !write(fn(buf)) {
				return
			}
		}
	})
}

// VersionReply builds the answer of a browser to Browser.getVersion.
func VersionReply(id int64, product, revision string) string {
	res := cdpbrowser.GetVersionReturns{
		ProtocolVersion: "1.3",
		Product:         product,
		Revision:        revision,
		UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko)",
		JsVersion:       "9.6.180.12",
	}
	buf, err := easyjson.Marshal(&res)
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf(`{"id":%d,"result":%s}`, id, buf)
}
