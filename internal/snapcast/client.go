package snapcast

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/snapdog/snapdog-go/internal/apperrors"
)

const (
	defaultRequestTimeout   = 5 * time.Second
	defaultDialTimeout      = 5 * time.Second
	defaultReconnectInitial = 500 * time.Millisecond
	defaultReconnectMax     = 30 * time.Second

	// Server.GetStatus for a large installation is a single line.
	maxFrameBytes = 4 << 20
)

// Options tunes the managed connection. Zero values fall back to defaults.
type Options struct {
	RequestTimeout   time.Duration
	DialTimeout      time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	Logger           *log.Logger
}

func (o *Options) fill() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = defaultReconnectInitial
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = defaultReconnectMax
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

type rpcRequest struct {
	ID      uint64 `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcEnvelope struct {
	ID      *uint64         `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type response struct {
	result json.RawMessage
	err    error
}

// Conn is a managed JSON-RPC connection to a Snapcast server.
//
// It dials the control port, correlates replies by request id, hands each
// post-connect Server.GetStatus snapshot to the snapshot handler before any
// notification from that connection is delivered, and reconnects with
// jittered exponential backoff when the socket drops. While disconnected,
// requests fail immediately with an Unavailable error.
//
// Register handlers before Start; they are invoked from the connection's
// own goroutines and must not block for long.
type Conn struct {
	addr string
	opts Options

	snapshotFn func(Server)
	notifyFns  []func(Notification)
	stateFns   []func(bool)

	mu        sync.Mutex
	conn      net.Conn
	pending   map[uint64]chan response
	lastID    uint64
	connected bool
	closed    bool

	writeMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConn prepares a managed connection to addr (host:port). Nothing is
// dialed until Start.
func NewConn(addr string, opts Options) *Conn {
	opts.fill()
	return &Conn{
		addr:   addr,
		opts:   opts,
		stopCh: make(chan struct{}),
	}
}

// OnSnapshot registers the handler that receives the full server status
// fetched after every successful connect, before notifications flow.
func (c *Conn) OnSnapshot(fn func(Server)) {
	c.snapshotFn = fn
}

// OnNotification registers a handler for server notifications. Handlers run
// sequentially in arrival order.
func (c *Conn) OnNotification(fn func(Notification)) {
	c.notifyFns = append(c.notifyFns, fn)
}

// OnConnectionState registers a handler called with true after each
// successful connect (snapshot already delivered) and false on loss.
func (c *Conn) OnConnectionState(fn func(bool)) {
	c.stateFns = append(c.stateFns, fn)
}

// Start launches the connect/reconnect loop.
func (c *Conn) Start() {
	c.wg.Add(1)
	go c.run()
}

// Close tears the connection down. In-flight requests fail with Cancelled.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.failPending(apperrors.NewCancelled("snapcast: connection closed"))
	return nil
}

// Connected reports whether a hydrated connection is up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

type serveResult int

const (
	serveClosed serveResult = iota
	serveLost
	serveFailed
)

func (c *Conn) run() {
	defer c.wg.Done()
	attempt := 0
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", c.addr, c.opts.DialTimeout)
		if err != nil {
			c.opts.Logger.Printf("SNAPCAST: connect %s: %v", c.addr, err)
		} else {
			switch c.serve(conn) {
			case serveClosed:
				return
			case serveLost:
				// A healthy connection dropped: start the backoff
				// ladder over.
				attempt = 0
			case serveFailed:
			}
		}
		if !c.sleep(c.backoff(attempt)) {
			return
		}
		attempt++
	}
}

// serve owns one established socket: it hydrates, releases subscribers and
// blocks until the connection dies or Close is called.
func (c *Conn) serve(conn net.Conn) serveResult {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return serveClosed
	}
	c.conn = conn
	c.pending = make(map[uint64]chan response)
	c.mu.Unlock()

	ready := make(chan struct{})
	abort := make(chan struct{})
	readerDone := make(chan struct{})
	c.wg.Add(1)
	go c.readLoop(conn, ready, abort, readerDone)

	status, err := c.fetchStatus()
	if err != nil {
		c.opts.Logger.Printf("SNAPCAST: status after connect: %v", err)
		close(abort)
		conn.Close()
		<-readerDone
		if c.isClosed() {
			c.teardown(apperrors.NewCancelled("snapcast: connection closed"))
			return serveClosed
		}
		c.teardown(apperrors.NewUnavailable("snapcast: connection lost"))
		return serveFailed
	}
	if c.snapshotFn != nil {
		c.snapshotFn(status)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	close(ready)
	c.opts.Logger.Printf("SNAPCAST: connected to %s (snapserver %s)", c.addr, status.Server.Snapserver.Version)
	c.notifyState(true)

	select {
	case <-c.stopCh:
		close(abort)
		conn.Close()
		<-readerDone
		c.teardown(apperrors.NewCancelled("snapcast: connection closed"))
		return serveClosed
	case <-readerDone:
		close(abort)
		conn.Close()
		if c.isClosed() {
			c.teardown(apperrors.NewCancelled("snapcast: connection closed"))
			return serveClosed
		}
		c.teardown(apperrors.NewUnavailable("snapcast: connection lost"))
		c.opts.Logger.Printf("SNAPCAST: connection to %s lost", c.addr)
		c.notifyState(false)
		return serveLost
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) readLoop(conn net.Conn, ready, abort <-chan struct{}, done chan<- struct{}) {
	defer c.wg.Done()
	defer close(done)

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg rpcEnvelope
		if err := json.Unmarshal(line, &msg); err != nil {
			c.opts.Logger.Printf("SNAPCAST: dropping undecodable frame: %v", err)
			continue
		}
		switch {
		case msg.ID != nil:
			c.settle(*msg.ID, msg)
		case msg.Method != "":
			// Hold notifications until the connect snapshot has been
			// applied so subscribers never observe pre-snapshot deltas
			// out of order.
			select {
			case <-ready:
			case <-abort:
				return
			}
			n := Notification{Method: msg.Method, Params: msg.Params}
			for _, fn := range c.notifyFns {
				fn(n)
			}
		}
	}
}

func (c *Conn) settle(id uint64, msg rpcEnvelope) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		// Reply arrived after the caller gave up.
		return
	}
	if msg.Error != nil {
		ch <- response{err: apperrors.NewUnavailable("snapcast: %s", msg.Error.Message)}
		return
	}
	ch <- response{result: msg.Result}
}

// teardown clears the live socket and fails everything still in flight.
func (c *Conn) teardown(err error) {
	c.mu.Lock()
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	c.failPending(err)
}

func (c *Conn) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- response{err: err}
	}
}

func (c *Conn) notifyState(connected bool) {
	for _, fn := range c.stateFns {
		fn(connected)
	}
}

// fetchStatus hydrates a fresh connection with the server's full state.
func (c *Conn) fetchStatus() (Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	var res statusResult
	if err := c.Request(ctx, MethodServerGetStatus, nil, &res); err != nil {
		return Server{}, err
	}
	return res.Server, nil
}

// Request issues one JSON-RPC call and decodes the result into out when out
// is non-nil. It fails fast with Unavailable while no socket is up, with
// DeadlineExceeded after the per-call timeout and with Cancelled when ctx
// is cancelled or the connection is closed.
func (c *Conn) Request(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.NewCancelled("snapcast: connection closed")
	}
	conn := c.conn
	if conn == nil || c.pending == nil {
		c.mu.Unlock()
		return apperrors.NewUnavailable("snapcast: not connected")
	}
	c.lastID++
	id := c.lastID
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(rpcRequest{ID: id, JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return apperrors.Wrap(apperrors.KindInternal, "snapcast: encode "+method, err)
	}
	payload = append(payload, '\n')

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.RequestTimeout))
	_, err = conn.Write(payload)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		conn.Close()
		return apperrors.Wrap(apperrors.KindUnavailable, "snapcast: write "+method, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if out != nil {
			if err := json.Unmarshal(res.result, out); err != nil {
				return apperrors.Wrap(apperrors.KindInternal, "snapcast: decode "+method+" result", err)
			}
		}
		return nil
	case <-timer.C:
		c.forget(id)
		return apperrors.NewDeadlineExceeded("snapcast: %s timed out after %s", method, c.opts.RequestTimeout)
	case <-ctx.Done():
		c.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperrors.NewDeadlineExceeded("snapcast: %s: deadline exceeded", method)
		}
		return apperrors.NewCancelled("snapcast: %s cancelled", method)
	}
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// backoff returns the jittered delay before reconnect attempt n.
func (c *Conn) backoff(attempt int) time.Duration {
	d := c.opts.ReconnectInitial
	for i := 0; i < attempt && d < c.opts.ReconnectMax; i++ {
		d *= 2
	}
	if d > c.opts.ReconnectMax {
		d = c.opts.ReconnectMax
	}
	// Full jitter keeps a fleet of controllers from stampeding the
	// server when it comes back.
	return time.Duration(rand.Int63n(int64(d))) + time.Millisecond
}

// sleep waits for d or until Close. It reports false when closed.
func (c *Conn) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.stopCh:
		return false
	}
}

// Typed wrappers for the server methods the controller uses.

// ServerStatus fetches the full topology on demand.
func (c *Conn) ServerStatus(ctx context.Context) (Server, error) {
	var res statusResult
	if err := c.Request(ctx, MethodServerGetStatus, nil, &res); err != nil {
		return Server{}, err
	}
	return res.Server, nil
}

// SetClientVolume sets a client's volume percent and mute flag in one call.
func (c *Conn) SetClientVolume(ctx context.Context, id string, percent int, muted bool) error {
	params := struct {
		ID     string       `json:"id"`
		Volume ClientVolume `json:"volume"`
	}{ID: id, Volume: ClientVolume{Percent: percent, Muted: muted}}
	return c.Request(ctx, MethodClientSetVolume, params, nil)
}

// SetClientLatency sets a client's playback latency in milliseconds.
func (c *Conn) SetClientLatency(ctx context.Context, id string, latency int) error {
	params := struct {
		ID      string `json:"id"`
		Latency int    `json:"latency"`
	}{ID: id, Latency: latency}
	return c.Request(ctx, MethodClientSetLatency, params, nil)
}

// SetClientName sets a client's display name.
func (c *Conn) SetClientName(ctx context.Context, id, name string) error {
	params := struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}{ID: id, Name: name}
	return c.Request(ctx, MethodClientSetName, params, nil)
}

// SetGroupMute mutes or unmutes a group.
func (c *Conn) SetGroupMute(ctx context.Context, id string, mute bool) error {
	params := struct {
		ID   string `json:"id"`
		Mute bool   `json:"mute"`
	}{ID: id, Mute: mute}
	return c.Request(ctx, MethodGroupSetMute, params, nil)
}

// SetGroupStream points a group at a stream id.
func (c *Conn) SetGroupStream(ctx context.Context, id, streamID string) error {
	params := struct {
		ID       string `json:"id"`
		StreamID string `json:"stream_id"`
	}{ID: id, StreamID: streamID}
	return c.Request(ctx, MethodGroupSetStream, params, nil)
}

// SetGroupName renames a group.
func (c *Conn) SetGroupName(ctx context.Context, id, name string) error {
	params := struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}{ID: id, Name: name}
	return c.Request(ctx, MethodGroupSetName, params, nil)
}

// SetGroupClients replaces a group's member list. Moving a client between
// groups is expressed through this call on the destination group.
func (c *Conn) SetGroupClients(ctx context.Context, id string, clientIDs []string) error {
	params := struct {
		ID      string   `json:"id"`
		Clients []string `json:"clients"`
	}{ID: id, Clients: clientIDs}
	return c.Request(ctx, MethodGroupSetClients, params, nil)
}
