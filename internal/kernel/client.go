package kernel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nraphael/ipywidgets/internal/comm"
	logs "github.com/nraphael/ipywidgets/internal/logging"
	"github.com/nraphael/ipywidgets/internal/observability"
)

var (
	ErrURLRequired    = errors.New("kernel: backend url required")
	ErrNotConnected   = errors.New("kernel: not connected")
	ErrClientClosed   = errors.New("kernel: client closed")
	ErrCommInfoFailed = errors.New("kernel: comm_info failed")
	ErrCommExists     = errors.New("kernel: comm id already bound")
)

// Client speaks the backend channel protocol over one WebSocket. It
// multiplexes comms onto the socket, correlates comm_info replies, and
// surfaces lifecycle status signals to registered listeners.
type Client struct {
	cfg Config
	url string
	rng *rand.Rand

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	commsMu sync.RWMutex
	comms   map[string]*clientComm
	targets map[string]CommOpenHandler

	pendingMu sync.Mutex
	pending   map[string]chan Envelope

	statusMu  sync.RWMutex
	statusFns []func(Status)
}

// NewClient validates the backend endpoint and prepares a client; no
// connection is attempted until Dial or Run.
func NewClient(url string, cfg Config) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrURLRequired
	}
	return &Client{
		cfg:     cfg.WithDefaults(),
		url:     url,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		comms:   make(map[string]*clientComm),
		targets: make(map[string]CommOpenHandler),
		pending: make(map[string]chan Envelope),
	}, nil
}

// OnStatus registers fn for every lifecycle signal the client emits or
// relays from the backend.
func (c *Client) OnStatus(fn func(Status)) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.statusFns = append(c.statusFns, fn)
}

func (c *Client) emitStatus(status Status) {
	c.statusMu.RLock()
	fns := make([]func(Status), len(c.statusFns))
	copy(fns, c.statusFns)
	c.statusMu.RUnlock()
	for _, fn := range fns {
		fn(status)
	}
}

// Dial connects once and starts the read loop. A connected signal is
// emitted before returning.
func (c *Client) Dial(ctx context.Context) error {
	_, err := c.connect(ctx)
	return err
}

// Run dials the backend and redials with backoff until ctx ends or the
// attempt cap is hit. Comm bindings and target handlers survive redials.
func (c *Client) Run(ctx context.Context) error {
	var attempt int
	for {
		attempt++
		done, err := c.connect(ctx)
		if err != nil {
			if errors.Is(err, ErrClientClosed) {
				return nil
			}
			logs.Warnf("kernel.Client dial attempt=%d url=%q err=%v", attempt, c.url, err)
			if !c.shouldRetry(attempt) {
				return err
			}
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return err
			}
			continue
		}
		attempt = 0

		select {
		case <-ctx.Done():
			_ = c.Close()
			return ctx.Err()
		case <-done:
		}
		if c.isClosed() {
			return nil
		}
		c.emitStatus(StatusDisconnected)
		logs.Warnf("kernel.Client connection dropped url=%q", c.url)
		if err := c.sleepBackoff(ctx, 1); err != nil {
			return err
		}
	}
}

func (c *Client) connect(ctx context.Context) (<-chan struct{}, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	if strings.HasPrefix(c.url, "wss://") {
		tlsCfg, err := c.tlsClientConfig()
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}
	var header http.Header
	if token := strings.TrimSpace(c.cfg.Token); token != "" {
		header = http.Header{"Authorization": {"token " + token}}
	}
	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("kernel: dial %s: status=%d: %w", c.url, resp.StatusCode, err)
		}
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClientClosed
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	done := make(chan struct{})
	go c.readLoop(conn, done)
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeat(conn, done)
	}
	logs.Infof("kernel.Client connected url=%q", c.url)
	c.emitStatus(StatusConnected)
	return done, nil
}

// tlsClientConfig builds the dialer TLS state from the configured PEM
// material. Without a CA file the system trust store applies.
func (c *Client) tlsClientConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if name := strings.TrimSpace(c.cfg.TLS.ServerName); name != "" {
		cfg.ServerName = name
	}

	if caPath := strings.TrimSpace(c.cfg.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("kernel: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if c.cfg.TLS.CertFile != "" && c.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.cfg.TLS.CertFile, c.cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			c.dropConn(conn)
			return
		}
		var buffers [][]byte
		if msgType == websocket.BinaryMessage {
			body, parts, err := DecodeFrame(raw, c.cfg.Limits)
			if err != nil {
				logs.Warnf("kernel.Client frame decode err=%v", err)
				continue
			}
			raw, buffers = body, parts
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logs.Warnf("kernel.Client envelope decode err=%v", err)
			continue
		}
		if len(buffers) > 0 {
			env.Buffers = buffers
		}
		if err := env.Validate(); err != nil {
			logs.Warnf("kernel.Client envelope rejected err=%v", err)
			continue
		}
		observability.RecordKernelMessage("recv", env.MsgType)
		c.dispatch(env)
	}
}

func (c *Client) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(env Envelope) {
	switch env.MsgType {
	case MsgStatus:
		var content StatusContent
		if err := env.DecodeContent(&content); err != nil {
			logs.Warnf("kernel.Client status decode err=%v", err)
			return
		}
		c.emitStatus(Status(content.ExecutionState))
	case MsgCommOpen:
		c.handleCommOpen(env)
	case MsgCommMsg:
		c.handleCommMsg(env)
	case MsgCommClose:
		c.handleCommClose(env)
	case MsgCommInfoReply:
		c.handleCommInfoReply(env)
	default:
		// comm_info_request is backend-bound; nothing to do on receive.
	}
}

func (c *Client) handleCommOpen(env Envelope) {
	var content CommOpenContent
	if err := env.DecodeContent(&content); err != nil {
		logs.Warnf("kernel.Client comm_open decode err=%v", err)
		return
	}
	if strings.TrimSpace(content.CommID) == "" || strings.TrimSpace(content.TargetName) == "" {
		logs.Warnf("kernel.Client comm_open missing comm_id or target_name")
		return
	}

	c.commsMu.Lock()
	handler, ok := c.targets[content.TargetName]
	if !ok {
		c.commsMu.Unlock()
		logs.Warnf("kernel.Client comm_open unhandled target=%q comm_id=%q", content.TargetName, content.CommID)
		c.rejectComm(content.CommID)
		return
	}
	cc := newClientComm(c, content.CommID, content.TargetName)
	c.comms[content.CommID] = cc
	c.commsMu.Unlock()

	handler(cc, comm.Message{Data: content.Data, Buffers: env.Buffers})
}

// rejectComm answers an unroutable comm_open with an immediate close so the
// peer does not accumulate half-open channels.
func (c *Client) rejectComm(id string) {
	env, err := NewEnvelope(uuid.NewString(), MsgCommClose, CommCloseContent{CommID: id}, nil)
	if err != nil {
		return
	}
	if err := c.send(env); err != nil {
		logs.Warnf("kernel.Client comm_open reject comm_id=%q err=%v", id, err)
	}
}

func (c *Client) handleCommMsg(env Envelope) {
	var content CommMsgContent
	if err := env.DecodeContent(&content); err != nil {
		logs.Warnf("kernel.Client comm_msg decode err=%v", err)
		return
	}
	c.commsMu.RLock()
	cc, ok := c.comms[content.CommID]
	c.commsMu.RUnlock()
	if !ok {
		logs.Debugf("kernel.Client comm_msg for unknown comm_id=%q", content.CommID)
		return
	}
	cc.deliver(comm.Message{Data: content.Data, Buffers: env.Buffers})
}

func (c *Client) handleCommClose(env Envelope) {
	var content CommCloseContent
	if err := env.DecodeContent(&content); err != nil {
		logs.Warnf("kernel.Client comm_close decode err=%v", err)
		return
	}
	c.commsMu.Lock()
	cc, ok := c.comms[content.CommID]
	delete(c.comms, content.CommID)
	c.commsMu.Unlock()
	if ok {
		cc.peerClosed()
	}
}

func (c *Client) handleCommInfoReply(env Envelope) {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.ParentMsgID]
	if ok {
		delete(c.pending, env.ParentMsgID)
	}
	c.pendingMu.Unlock()
	if !ok {
		logs.Debugf("kernel.Client unsolicited comm_info_reply parent=%q", env.ParentMsgID)
		return
	}
	ch <- env
}

// RegisterCommTarget routes backend-opened comms for target to fn.
func (c *Client) RegisterCommTarget(target string, fn CommOpenHandler) {
	c.commsMu.Lock()
	defer c.commsMu.Unlock()
	c.targets[target] = fn
}

// RemoveCommTarget stops routing backend-opened comms for target.
func (c *Client) RemoveCommTarget(target string) {
	c.commsMu.Lock()
	defer c.commsMu.Unlock()
	delete(c.targets, target)
}

// CommInfo queries the backend for live comm ids under target. The wait is
// bounded only by ctx; the backend owns reply timing.
func (c *Client) CommInfo(ctx context.Context, target string) ([]string, error) {
	msgID := uuid.NewString()
	env, err := NewEnvelope(msgID, MsgCommInfoRequest, CommInfoRequestContent{TargetName: target}, nil)
	if err != nil {
		return nil, err
	}

	ch := make(chan Envelope, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(env); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-ch:
		var content CommInfoReplyContent
		if err := reply.DecodeContent(&content); err != nil {
			return nil, err
		}
		if content.Status != "" && content.Status != "ok" {
			return nil, fmt.Errorf("%w: status=%q", ErrCommInfoFailed, content.Status)
		}
		ids := make([]string, 0, len(content.Comms))
		for id, desc := range content.Comms {
			if target == "" || desc.TargetName == target {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		return ids, nil
	}
}

// OpenComm binds a local channel to a comm already live on the backend.
func (c *Client) OpenComm(id, target string) (comm.Comm, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: missing comm id", ErrInvalidEnvelope)
	}
	c.commsMu.Lock()
	defer c.commsMu.Unlock()
	if existing, ok := c.comms[id]; ok {
		return existing, nil
	}
	cc := newClientComm(c, id, target)
	c.comms[id] = cc
	return cc, nil
}

// CreateComm announces a new comm to the backend and returns the channel.
func (c *Client) CreateComm(ctx context.Context, id, target string, msg comm.Message) (comm.Comm, error) {
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	c.commsMu.Lock()
	if _, ok := c.comms[id]; ok {
		c.commsMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCommExists, id)
	}
	cc := newClientComm(c, id, target)
	c.comms[id] = cc
	c.commsMu.Unlock()

	content := CommOpenContent{CommID: id, TargetName: target, Data: msg.Data}
	env, err := NewEnvelope(uuid.NewString(), MsgCommOpen, content, msg.Buffers)
	if err != nil {
		c.removeComm(id)
		return nil, err
	}
	select {
	case <-ctx.Done():
		c.removeComm(id)
		return nil, ctx.Err()
	default:
	}
	if err := c.send(env); err != nil {
		c.removeComm(id)
		return nil, err
	}
	return cc, nil
}

func (c *Client) removeComm(id string) {
	c.commsMu.Lock()
	defer c.commsMu.Unlock()
	delete(c.comms, id)
}

// send writes one envelope. Buffer-free envelopes go out as JSON text;
// envelopes with buffers go out as one binary frame so raw bytes never
// pay the base64 toll.
func (c *Client) send(env Envelope) error {
	payload := websocket.TextMessage
	var data []byte
	if len(env.Buffers) > 0 {
		bare := env
		bare.Buffers = nil
		body, err := json.Marshal(bare)
		if err != nil {
			return err
		}
		frame, err := EncodeFrame(body, env.Buffers, c.cfg.Limits)
		if err != nil {
			return err
		}
		payload, data = websocket.BinaryMessage, frame
	} else {
		body, err := json.Marshal(env)
		if err != nil {
			return err
		}
		data = body
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(payload, data); err != nil {
		return err
	}
	observability.RecordKernelMessage("send", env.MsgType)
	return nil
}

func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxDialAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxDialAttempts
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears the socket down and rejects further sends.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
