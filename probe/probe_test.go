package probe

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/cdp-version-probe/log"
	"github.com/grafana/cdp-version-probe/tests/ws"
	"github.com/grafana/cdp-version-probe/version"
)

const (
	browserPath = "/devtools/browser/3ac5e1de-0a2c-4f3b-9d1e-6f0a0b1c2d3e"

	// quiet is how long a test waits to make sure nothing is emitted.
	quiet   = 200 * time.Millisecond
	timeout = 5 * time.Second
)

// TestMain fails the package if a probe leaves a goroutine behind once every
// test has disposed of it.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLogger(t *testing.T) (*log.Logger, *test.Hook) {
	t.Helper()

	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	return log.New(l, false, nil), hook
}

func hookContains(hook *test.Hook, level logrus.Level, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()

	select {
	case rev := <-ch:
		return rev
	case <-time.After(timeout):
		t.Fatal("probe did not emit a result")
		return ""
	}
}

func assertNoResult(t *testing.T, ch <-chan string) {
	t.Helper()

	select {
	case rev := <-ch:
		t.Fatalf("probe emitted %q, want nothing", rev)
	case <-time.After(quiet):
	}
}

func TestProbeDetectVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{
			name:  "supported",
			reply: ws.VersionReply(0, "Edg/96.0.1054.43", "abc123"),
			want:  "abc123",
		},
		{
			name:  "unsupported",
			reply: ws.VersionReply(0, "Edg/93.0.200.0", "xyz"),
			want:  "",
		},
		{
			name:  "id_mismatch",
			reply: ws.VersionReply(1, "Edg/99.0.0.0", "xyz"),
			want:  "",
		},
		{
			name:  "boundary",
			reply: ws.VersionReply(0, "HeadlessEdg/94.0.975.0", "rev0"),
			want:  "rev0",
		},
		{
			name:  "missing_result",
			reply: `{"id":0}`,
			want:  "",
		},
		{
			name:  "protocol_error",
			reply: `{"id":0,"error":{"code":-32601,"message":"'Browser.getVersion' wasn't found"}}`,
			want:  "",
		},
		{
			name:  "missing_revision",
			reply: `{"id":0,"result":{"product":"Edg/96.0.1054.43"}}`,
			want:  "",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := ws.NewServer(t, ws.WithReplies(browserPath, tt.reply))
			p := New(context.Background(), srv.URL(browserPath))
			t.Cleanup(p.Dispose)

			ch := p.DetectVersion()
			assert.Equal(t, tt.want, receive(t, ch))

			// The probe hangs up right after answering.
			srv.WaitDisconnected(browserPath, timeout)
			assertNoResult(t, ch)

			received := srv.Received()
			require.Len(t, received, 1)
			assert.Equal(t, `{"id":0,"method":"Browser.getVersion","params":{}}`, string(received[0]))
			assert.Equal(t, []cdproto.MethodType{cdproto.CommandBrowserGetVersion}, srv.Methods())
		})
	}
}

func TestProbeIgnoresMalformedMessages(t *testing.T) {
	t.Parallel()

	logger, hook := newTestLogger(t)
	srv := ws.NewServer(t, ws.WithGreeting(
		browserPath,
		[]string{"not json", `["Browser.getVersion"]`},
		ws.VersionReply(0, "Edg/96.0.1054.43", "abc123"),
	))
	p := New(context.Background(), srv.URL(browserPath), WithLogger(logger))
	t.Cleanup(p.Dispose)

	assert.Equal(t, "abc123", receive(t, p.DetectVersion()))
	assert.True(t, hookContains(hook, logrus.WarnLevel, "ignoring malformed message"))
}

func TestProbeAnswersFirstWellFormedMessage(t *testing.T) {
	t.Parallel()

	// The first well-formed message decides, even if it is an unrelated event.
	srv := ws.NewServer(t, ws.WithGreeting(
		browserPath,
		[]string{`{"method":"Target.targetCreated","params":{"targetInfo":{"targetId":"1","type":"page"}}}`},
		ws.VersionReply(0, "Edg/96.0.1054.43", "abc123"),
	))
	p := New(context.Background(), srv.URL(browserPath))
	t.Cleanup(p.Dispose)

	assert.Equal(t, "", receive(t, p.DetectVersion()))
	srv.WaitDisconnected(browserPath, timeout)
}

func TestProbeMinVersion(t *testing.T) {
	t.Parallel()

	srv := ws.NewServer(t, ws.WithReplies(browserPath, ws.VersionReply(0, "Edg/96.0.1054.43", "abc123")))
	p := New(context.Background(), srv.URL(browserPath), WithMinVersion(version.Version{Major: 100, Minor: 0}))
	t.Cleanup(p.Dispose)

	assert.Equal(t, "", receive(t, p.DetectVersion()))
}

func TestProbeConnectionNeverOpens(t *testing.T) {
	t.Parallel()

	logger, hook := newTestLogger(t)
	// Paths without a CDP handler are plain HTTP and refuse the handshake.
	srv := ws.NewServer(t)
	p := New(context.Background(), srv.URL("/status/404"), WithLogger(logger))
	t.Cleanup(p.Dispose)

	ch := p.DetectVersion()
	require.Eventually(t, func() bool {
		return hookContains(hook, logrus.ErrorLevel, "connecting to")
	}, timeout, 10*time.Millisecond)
	assertNoResult(t, ch)
	assert.Empty(t, srv.Received())
}

func TestProbeDispose(t *testing.T) {
	t.Parallel()

	t.Run("before_detect", func(t *testing.T) {
		t.Parallel()

		p := New(context.Background(), "ws://127.0.0.1:1/devtools/browser")
		assert.NotPanics(t, p.Dispose)
		assert.NotPanics(t, p.Dispose)
	})

	t.Run("while_waiting", func(t *testing.T) {
		t.Parallel()

		srv := ws.NewServer(t, ws.WithSilentHandler(browserPath))
		p := New(context.Background(), srv.URL(browserPath))

		ch := p.DetectVersion()
		require.Eventually(t, func() bool { return len(srv.Received()) == 1 }, timeout, 10*time.Millisecond)

		p.Dispose()
		srv.WaitDisconnected(browserPath, timeout)
		assertNoResult(t, ch)

		assert.NotPanics(t, p.Dispose)
	})

	t.Run("after_result", func(t *testing.T) {
		t.Parallel()

		srv := ws.NewServer(t, ws.WithReplies(browserPath, ws.VersionReply(0, "Edg/96.0.1054.43", "abc123")))
		p := New(context.Background(), srv.URL(browserPath))

		assert.Equal(t, "abc123", receive(t, p.DetectVersion()))
		assert.NotPanics(t, p.Dispose)
		assert.NotPanics(t, p.Dispose)
	})

	t.Run("context_cancelled", func(t *testing.T) {
		t.Parallel()

		srv := ws.NewServer(t, ws.WithSilentHandler(browserPath))
		ctx, cancel := context.WithCancel(context.Background())
		p := New(ctx, srv.URL(browserPath))
		t.Cleanup(p.Dispose)

		ch := p.DetectVersion()
		require.Eventually(t, func() bool { return len(srv.Received()) == 1 }, timeout, 10*time.Millisecond)

		cancel()
		srv.WaitDisconnected(browserPath, timeout)
		assertNoResult(t, ch)
	})
}

// fakeConn is a Conn whose frames are fed by the test.
type fakeConn struct {
	frames    chan []byte
	written   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:  make(chan []byte, 1),
		written: make(chan []byte, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case buf := <-c.frames:
		return buf, nil
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(buf []byte) error {
	select {
	case c.written <- buf:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func fakeDialer(conns ...*fakeConn) DialFunc {
	var mu sync.Mutex
	return func(ctx context.Context, _ string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()

		if len(conns) == 0 {
			return nil, errors.New("no more connections")
		}
		c := conns[0]
		conns = conns[1:]
		return c, nil
	}
}

func waitWritten(t *testing.T, c *fakeConn) []byte {
	t.Helper()

	select {
	case buf := <-c.written:
		return buf
	case <-time.After(timeout):
		t.Fatal("probe did not send a request")
		return nil
	}
}

func TestProbeDetectVersionAgain(t *testing.T) {
	t.Parallel()

	first, second := newFakeConn(), newFakeConn()
	p := New(context.Background(), "ws://browser.test/devtools/browser", WithDialFunc(fakeDialer(first, second)))
	t.Cleanup(p.Dispose)

	ch1 := p.DetectVersion()
	waitWritten(t, first)

	// Starting over disposes the previous attempt.
	ch2 := p.DetectVersion()
	assert.True(t, first.isClosed())
	assert.Equal(t, `{"id":0,"method":"Browser.getVersion","params":{}}`, string(waitWritten(t, second)))

	second.frames <- []byte(`{"id":0,"result":{"product":"Edg/96.0.1054.43","revision":"abc123"}}`)
	assert.Equal(t, "abc123", receive(t, ch2))
	require.Eventually(t, second.isClosed, timeout, 10*time.Millisecond)
	assertNoResult(t, ch1)
}

func TestProbeDisposeReentrant(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	p := New(context.Background(), "ws://browser.test/devtools/browser", WithDialFunc(fakeDialer(conn)))

	ch := p.DetectVersion()
	waitWritten(t, conn)
	conn.frames <- []byte(`{"id":0,"result":{"product":"Edg/94.0.975.0","revision":"rev0"}}`)

	// Disposing while the result is being handled must not deadlock.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			p.Dispose()
		}
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("Dispose deadlocked")
	}

	// Depending on who won, the result is either emitted or dropped, but
	// never emitted twice and the connection always ends up closed.
	select {
	case rev := <-ch:
		assert.Equal(t, "rev0", rev)
	case <-time.After(quiet):
	}
	assertNoResult(t, ch)
	require.Eventually(t, conn.isClosed, timeout, 10*time.Millisecond)
}

func TestDetect(t *testing.T) {
	t.Parallel()

	t.Run("answer", func(t *testing.T) {
		t.Parallel()

		srv := ws.NewServer(t, ws.WithReplies(browserPath, ws.VersionReply(0, "Edg/96.0.1054.43", "abc123")))
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		rev, err := Detect(ctx, srv.URL(browserPath))
		require.NoError(t, err)
		assert.Equal(t, "abc123", rev)
		srv.WaitDisconnected(browserPath, timeout)
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		srv := ws.NewServer(t, ws.WithSilentHandler(browserPath))
		ctx, cancel := context.WithTimeout(context.Background(), quiet)
		defer cancel()

		rev, err := Detect(ctx, srv.URL(browserPath))
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Empty(t, rev)
		srv.WaitDisconnected(browserPath, timeout)
	})
}
