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

// Package probe detects whether a browser reachable over the Chrome DevTools
// Protocol is recent enough, and reports its build revision.
//
// A Probe is single-shot: it connects, sends one Browser.getVersion request,
// reads the first answer, reports one result and closes the connection.
package probe

import (
	"context"
	"fmt"
	"sync"

	"github.com/mailru/easyjson"

	"github.com/grafana/cdp-version-probe/cdp"
	"github.com/grafana/cdp-version-probe/log"
	"github.com/grafana/cdp-version-probe/version"
)

// Conn is a message channel to a CDP endpoint.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(buf []byte) error
	Close() error
}

// DialFunc opens a Conn to the endpoint at wsURL.
type DialFunc func(ctx context.Context, wsURL string) (Conn, error)

// Option configures a Probe.
type Option func(*Probe)

// WithLogger sets the logger of a Probe. The default discards everything.
func WithLogger(logger *log.Logger) Option {
	return func(p *Probe) {
		p.logger = logger
	}
}

// WithMinVersion sets the oldest version a Probe reports as supported. The
// default is version.MinSupported.
func WithMinVersion(min version.Version) Option {
	return func(p *Probe) {
		p.min = min
	}
}

// WithDialFunc replaces how a Probe connects to its endpoint. The default
// dials a WebSocket with cdp.NewConnection.
func WithDialFunc(dial DialFunc) Option {
	return func(p *Probe) {
		p.dial = dial
	}
}

// Probe queries the version of the browser behind a CDP endpoint.
type Probe struct {
	ctx    context.Context
	wsURL  string
	min    version.Version
	dial   DialFunc
	logger *log.Logger

	mu     sync.Mutex
	conn   Conn
	cancel context.CancelFunc
	// gen identifies the current detection attempt. It changes whenever an
	// attempt starts or ends, so stale attempts can tell they were superseded.
	gen uint64
}

// New returns a Probe for the CDP endpoint at wsURL. It doesn't connect until
// DetectVersion is called. Cancelling ctx disposes the probe.
func New(ctx context.Context, wsURL string, opts ...Option) *Probe {
	p := &Probe{
		ctx:    ctx,
		wsURL:  wsURL,
		min:    version.MinSupported,
		logger: log.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dial == nil {
		p.dial = func(ctx context.Context, wsURL string) (Conn, error) {
			conn, err := cdp.NewConnection(ctx, wsURL, nil, p.logger)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}

	return p
}

// DetectVersion connects to the endpoint and asks for the browser version.
//
// The returned channel receives at most one value: the build revision if the
// browser is at least the minimum version, or an empty string if it is older
// or its answer is not a version answer. Nothing is received if the
// connection never opens, never answers, or the probe is disposed first.
//
// Calling DetectVersion again disposes the previous attempt.
func (p *Probe) DetectVersion() <-chan string {
	ch := make(chan string, 1)

	ctx, cancel := context.WithCancel(p.ctx)
	p.mu.Lock()
	prevConn, prevCancel := p.detach()
	p.cancel = cancel
	gen := p.gen
	p.mu.Unlock()
	p.closeDetached(prevConn, prevCancel)

	go p.run(ctx, cancel, gen, ch)

	return ch
}

// Dispose closes the connection of the probe if it is open and stops a
// pending detection. It is safe to call at any time and more than once.
func (p *Probe) Dispose() {
	p.mu.Lock()
	conn, cancel := p.detach()
	p.mu.Unlock()

	p.closeDetached(conn, cancel)
}

// detach drops the connection of the current attempt and starts a new
// generation. p.mu must be held.
func (p *Probe) detach() (Conn, context.CancelFunc) {
	conn, cancel := p.conn, p.cancel
	p.conn, p.cancel = nil, nil
	p.gen++
	return conn, cancel
}

func (p *Probe) closeDetached(conn Conn, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		p.logger.Debugf("probe:dispose", "closing connection to %q: %v", p.wsURL, err)
	}
}

// release ends attempt gen and returns its connection for closing. ok is
// false if the attempt was already superseded or disposed.
func (p *Probe) release(gen uint64) (conn Conn, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.gen != gen {
		return nil, false
	}
	conn, cancel := p.detach()
	if cancel != nil {
		cancel()
	}
	return conn, true
}

// attach makes conn the connection of attempt gen. It reports false if the
// attempt was superseded or disposed while dialing.
func (p *Probe) attach(gen uint64, conn Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.gen != gen {
		return false
	}
	p.conn = conn
	return true
}

func (p *Probe) run(ctx context.Context, cancel context.CancelFunc, gen uint64, ch chan<- string) {
	defer cancel()

	// Tear the attempt down when the probe's context ends.
	go func() {
		<-ctx.Done()
		if conn, ok := p.release(gen); ok && conn != nil {
			p.logger.Debugf("probe:run", "closing connection to %q: %v", p.wsURL, ctx.Err())
			_ = conn.Close()
		}
	}()

	p.logger.Debugf("probe:run", "connecting to %q", p.wsURL)
	conn, err := p.dial(ctx, p.wsURL)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Errorf("probe:run", "connecting to %q: %v", p.wsURL, err)
		}
		return
	}
	if !p.attach(gen, conn) {
		p.logger.Debugf("probe:run", "disposed while connecting to %q", p.wsURL)
		_ = conn.Close()
		return
	}

	if err := p.onOpen(conn); err != nil {
		p.logger.Errorf("probe:onOpen", "%v", err)
	}

	for {
		buf, err := conn.ReadMessage()
		if err != nil {
			p.onReadError(ctx, err)
			return
		}
		if p.onMessage(gen, buf, ch) {
			return
		}
	}
}

func (p *Probe) onOpen(conn Conn) error {
	buf, err := easyjson.Marshal(cdp.VersionRequest{ID: cdp.VersionRequestID})
	if err != nil {
		return fmt.Errorf("encoding version request: %w", err)
	}
	if err := conn.WriteMessage(buf); err != nil {
		return fmt.Errorf("sending version request to %q: %w", p.wsURL, err)
	}

	return nil
}

// onMessage handles a frame read from the connection of attempt gen. It
// reports whether the attempt is over.
func (p *Probe) onMessage(gen uint64, buf []byte, ch chan<- string) bool {
	resp, err := cdp.DecodeVersionResponse(buf)
	if err != nil {
		p.logger.Warnf("probe:onMessage", "ignoring malformed message from %q: %v", p.wsURL, err)
		return false
	}

	rev := Revision(resp, p.min)
	conn, ok := p.release(gen)
	if !ok {
		return true
	}
	if rev == "" {
		p.logger.Infof("probe:onMessage", "browser at %q is older than %s or did not report its version", p.wsURL, p.min)
	} else {
		p.logger.Debugf("probe:onMessage", "browser at %q has revision %q", p.wsURL, rev)
	}
	ch <- rev

	if conn != nil {
		if err := conn.Close(); err != nil {
			p.logger.Debugf("probe:onMessage", "closing connection to %q: %v", p.wsURL, err)
		}
	}

	return true
}

func (p *Probe) onReadError(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil, cdp.IsClosedError(err):
		p.logger.Debugf("probe:run", "connection to %q closed: %v", p.wsURL, err)
	default:
		p.logger.Errorf("probe:run", "reading from %q: %v", p.wsURL, err)
	}
}

// Detect runs a probe against the CDP endpoint at wsURL and waits for its
// result. It returns the build revision, or an empty string for unsupported
// browsers. If ctx ends before the browser answers, Detect returns the
// context's error.
func Detect(ctx context.Context, wsURL string, opts ...Option) (string, error) {
	p := New(ctx, wsURL, opts...)
	defer p.Dispose()

	select {
	case rev := <-p.DetectVersion():
		return rev, nil
	case <-ctx.Done():
		return "", fmt.Errorf("detecting browser version at %q: %w", wsURL, ctx.Err())
	}
}
