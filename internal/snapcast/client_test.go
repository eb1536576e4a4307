package snapcast

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snapdog/snapdog-go/internal/apperrors"
)

// fakeSnapserver answers Server.GetStatus from its snapshot and records
// every other request. Methods listed in silent are swallowed without a
// reply; methods in fail are answered with a JSON-RPC error.
type fakeSnapserver struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	status   Server
	conns    []net.Conn
	requests []recordedRequest
	silent   map[string]bool
	fail     map[string]string
}

type recordedRequest struct {
	Method string
	Params json.RawMessage
}

func newFakeSnapserver(t *testing.T, status Server) *fakeSnapserver {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs := &fakeSnapserver{
		t:      t,
		ln:     ln,
		status: status,
		silent: map[string]bool{},
		fail:   map[string]string{},
	}
	go fs.acceptLoop()
	t.Cleanup(fs.close)
	return fs
}

func (fs *fakeSnapserver) addr() string { return fs.ln.Addr().String() }

func (fs *fakeSnapserver) close() {
	fs.ln.Close()
	fs.mu.Lock()
	for _, c := range fs.conns {
		c.Close()
	}
	fs.conns = nil
	fs.mu.Unlock()
}

func (fs *fakeSnapserver) acceptLoop() {
	for {
		conn, err := fs.ln.Accept()
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		go fs.serveConn(conn)
	}
}

func (fs *fakeSnapserver) serveConn(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for sc.Scan() {
		var req struct {
			ID     *uint64         `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}

		fs.mu.Lock()
		if req.Method != MethodServerGetStatus {
			fs.requests = append(fs.requests, recordedRequest{Method: req.Method, Params: req.Params})
		}
		silent := fs.silent[req.Method]
		failMsg, failing := fs.fail[req.Method]
		status := fs.status
		fs.mu.Unlock()

		if silent {
			continue
		}
		if failing {
			fs.writeLine(conn, map[string]any{
				"id":      *req.ID,
				"jsonrpc": "2.0",
				"error":   map[string]any{"code": -32603, "message": failMsg},
			})
			continue
		}

		var result any = "ok"
		if req.Method == MethodServerGetStatus {
			result = map[string]any{"server": status}
		}
		fs.writeLine(conn, map[string]any{
			"id":      *req.ID,
			"jsonrpc": "2.0",
			"result":  result,
		})
	}
}

func (fs *fakeSnapserver) writeLine(conn net.Conn, msg any) {
	raw, err := json.Marshal(msg)
	require.NoError(fs.t, err)
	conn.Write(append(raw, '\n'))
}

// notify pushes a notification to every connected client.
func (fs *fakeSnapserver) notify(method string, params any) {
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
	require.NoError(fs.t, err)
	fs.mu.Lock()
	conns := append([]net.Conn(nil), fs.conns...)
	fs.mu.Unlock()
	for _, c := range conns {
		c.Write(append(append([]byte(nil), raw...), '\n'))
	}
}

func (fs *fakeSnapserver) recorded() []recordedRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]recordedRequest(nil), fs.requests...)
}

func testConn(t *testing.T, fs *fakeSnapserver) *Conn {
	t.Helper()
	c := NewConn(fs.addr(), Options{
		RequestTimeout:   time.Second,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func waitConnected(t *testing.T, c *Conn) {
	t.Helper()
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)
}

func TestConn_Start_DeliversSnapshotBeforeConnected(t *testing.T) {
	fs := newFakeSnapserver(t, testSnapshot())
	c := testConn(t, fs)

	snapCh := make(chan Server, 1)
	c.OnSnapshot(func(s Server) { snapCh <- s })
	stateCh := make(chan bool, 4)
	c.OnConnectionState(func(up bool) { stateCh <- up })

	c.Start()

	select {
	case snap := <-snapCh:
		require.Len(t, snap.Groups, 2)
		require.Equal(t, "Zone1", snap.Groups[0].StreamID)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}
	select {
	case up := <-stateCh:
		require.True(t, up)
	case <-time.After(2 * time.Second):
		t.Fatal("no connection-state callback")
	}
	require.True(t, c.Connected())
}

func TestConn_SetClientVolume_SendsProtocolParams(t *testing.T) {
	fs := newFakeSnapserver(t, testSnapshot())
	c := testConn(t, fs)
	c.Start()
	waitConnected(t, c)

	err := c.SetClientVolume(context.Background(), "aa:bb:cc:dd:ee:01", 55, true)
	require.NoError(t, err)

	reqs := fs.recorded()
	require.Len(t, reqs, 1)
	require.Equal(t, MethodClientSetVolume, reqs[0].Method)

	var params struct {
		ID     string `json:"id"`
		Volume struct {
			Muted   bool `json:"muted"`
			Percent int  `json:"percent"`
		} `json:"volume"`
	}
	require.NoError(t, json.Unmarshal(reqs[0].Params, &params))
	require.Equal(t, "aa:bb:cc:dd:ee:01", params.ID)
	require.Equal(t, 55, params.Volume.Percent)
	require.True(t, params.Volume.Muted)
}

func TestConn_SetGroupClients_SendsMemberList(t *testing.T) {
	fs := newFakeSnapserver(t, testSnapshot())
	c := testConn(t, fs)
	c.Start()
	waitConnected(t, c)

	err := c.SetGroupClients(context.Background(), "g1", []string{"a", "b"})
	require.NoError(t, err)

	reqs := fs.recorded()
	require.Len(t, reqs, 1)
	var params struct {
		ID      string   `json:"id"`
		Clients []string `json:"clients"`
	}
	require.NoError(t, json.Unmarshal(reqs[0].Params, &params))
	require.Equal(t, "g1", params.ID)
	require.Equal(t, []string{"a", "b"}, params.Clients)
}

func TestConn_Request_ServerErrorMapsToUnavailable(t *testing.T) {
	fs := newFakeSnapserver(t, testSnapshot())
	fs.fail[MethodGroupSetMute] = "Group not found"
	c := testConn(t, fs)
	c.Start()
	waitConnected(t, c)

	err := c.SetGroupMute(context.Background(), "missing", true)
	require.Error(t, err)
	require.Equal(t, apperrors.KindUnavailable, apperrors.KindOf(err))
	require.Contains(t, err.Error(), "Group not found")
}

func TestConn_Request_FailsFastWhenDisconnected(t *testing.T) {
	c := NewConn("127.0.0.1:0", Options{})
	t.Cleanup(func() { c.Close() })

	err := c.Request(context.Background(), MethodServerGetStatus, nil, nil)
	require.Error(t, err)
	require.Equal(t, apperrors.KindUnavailable, apperrors.KindOf(err))
}

func TestConn_Request_TimesOut(t *testing.T) {
	fs := newFakeSnapserver(t, testSnapshot())
	fs.mu.Lock()
	fs.silent[MethodClientSetName] = true
	fs.mu.Unlock()

	c := NewConn(fs.addr(), Options{
		RequestTimeout:   100 * time.Millisecond,
		ReconnectInitial: 10 * time.Millisecond,
	})
	t.Cleanup(func() { c.Close() })
	c.Start()
	waitConnected(t, c)

	start := time.Now()
	err := c.SetClientName(context.Background(), "aa:bb:cc:dd:ee:01", "renamed")
	require.Error(t, err)
	require.Equal(t, apperrors.KindDeadlineExceeded, apperrors.KindOf(err))
	require.Less(t, time.Since(start), time.Second)
}

func TestConn_Notifications_DeliveredInOrder(t *testing.T) {
	fs := newFakeSnapserver(t, testSnapshot())
	c := testConn(t, fs)

	got := make(chan Notification, 8)
	c.OnNotification(func(n Notification) { got <- n })
	c.Start()
	waitConnected(t, c)

	fs.notify(MethodGroupOnMute, map[string]any{"id": "g1", "mute": true})
	fs.notify(MethodGroupOnMute, map[string]any{"id": "g1", "mute": false})

	first := recvNotification(t, got)
	second := recvNotification(t, got)
	require.Equal(t, MethodGroupOnMute, first.Method)

	var p1, p2 struct {
		Mute bool `json:"mute"`
	}
	require.NoError(t, json.Unmarshal(first.Params, &p1))
	require.NoError(t, json.Unmarshal(second.Params, &p2))
	require.True(t, p1.Mute)
	require.False(t, p2.Mute)
}

func recvNotification(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
		return Notification{}
	}
}

func TestConn_Reconnect_RehydratesAfterLoss(t *testing.T) {
	fs := newFakeSnapserver(t, testSnapshot())
	c := testConn(t, fs)

	var mu sync.Mutex
	snapshots := 0
	c.OnSnapshot(func(Server) {
		mu.Lock()
		snapshots++
		mu.Unlock()
	})
	c.Start()
	waitConnected(t, c)

	// Drop every live socket; the client should come back on its own.
	fs.mu.Lock()
	for _, conn := range fs.conns {
		conn.Close()
	}
	fs.conns = nil
	fs.mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return snapshots >= 2
	}, 3*time.Second, 10*time.Millisecond)
	waitConnected(t, c)
}

func TestConn_Close_CancelsPendingRequests(t *testing.T) {
	fs := newFakeSnapserver(t, testSnapshot())
	fs.mu.Lock()
	fs.silent[MethodClientSetLatency] = true
	fs.mu.Unlock()

	c := NewConn(fs.addr(), Options{
		RequestTimeout:   5 * time.Second,
		ReconnectInitial: 10 * time.Millisecond,
	})
	c.Start()
	waitConnected(t, c)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.SetClientLatency(context.Background(), "aa:bb:cc:dd:ee:01", 30)
	}()

	// Let the request reach the wire before closing.
	require.Eventually(t, func() bool { return len(fs.recorded()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.Equal(t, apperrors.KindCancelled, apperrors.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not cancelled by Close")
	}
}
