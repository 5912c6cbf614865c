// Package transport implements the channels a companion client talks through.
//
// ClientTransport multiplexes concurrent calls over a single TCP connection.
// Each request gets a unique sequence ID, and a background goroutine
// (recvLoop) reads responses and routes them to the waiting caller.
//
//	goroutine-1 ──Invoke(seq=1)──┐
//	goroutine-2 ──Invoke(seq=2)──┼──→ single TCP conn ──→ companion
//	goroutine-3 ──Invoke(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
package transport

import (
	"companion-rpc/codec"
	"companion-rpc/message"
	"companion-rpc/protocol"
	"companion-rpc/rpcerr"
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

type result struct {
	msg *message.RPCMessage
	err error
}

type pendingCall struct {
	method string
	ch     chan result // buffered(1) so recvLoop never blocks on a caller that gave up
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn   net.Conn
	addr   string
	codec  codec.CodecType
	logger *zap.Logger

	sendSem      chan struct{} // One token: serializes frame writes, protects seq
	seq          uint32
	writeTimeout time.Duration // Bound on heartbeat and cancel frame writes

	mu      sync.Mutex // Protects pending, closed, broken
	pending map[uint32]*pendingCall
	closed  bool  // Close was called
	broken  error // Set once the connection failed on its own

	done chan struct{} // Closed on shutdown; stops heartbeatLoop
}

// Dial connects to addr and wraps the connection in a ClientTransport.
func Dial(ctx context.Context, addr string, opts ...Option) (*ClientTransport, error) {
	o := newOptions(opts)
	d := net.Dialer{Timeout: o.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &rpcerr.ConnectionError{Addr: addr, Err: err}
	}
	return newClientTransport(conn, addr, o), nil
}

// NewClientTransport wraps an established connection and starts two
// background goroutines:
//   - recvLoop: reads responses and dispatches them to pending callers
//   - heartbeatLoop: sends periodic heartbeat frames so idle connections stay open
func NewClientTransport(conn net.Conn, opts ...Option) *ClientTransport {
	return newClientTransport(conn, conn.RemoteAddr().String(), newOptions(opts))
}

func newClientTransport(conn net.Conn, addr string, o Options) *ClientTransport {
	t := &ClientTransport{
		conn:    conn,
		addr:    addr,
		codec:   o.Codec,
		logger:  o.Logger.With(zap.String("addr", addr)),
		pending: make(map[uint32]*pendingCall),
		done:    make(chan struct{}),
		sendSem: make(chan struct{}, 1),

		writeTimeout: o.DialTimeout,
	}
	if t.writeTimeout <= 0 {
		t.writeTimeout = 5 * time.Second
	}
	go t.recvLoop()
	if o.HeartbeatInterval > 0 {
		go t.heartbeatLoop(o.HeartbeatInterval)
	}
	return t
}

func (t *ClientTransport) Addr() string {
	return t.addr
}

// Invoke sends req and waits for the matching response.
//
// If ctx is done first, the pending entry is dropped, a Cancel frame tells
// the companion to abandon the call, and ctx.Err() is returned. The
// connection stays usable for every other call, unless ctx ended while the
// request frame was half written: then the connection is marked lost.
func (t *ClientTransport) Invoke(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body, err := codec.GetCodec(t.codec).Encode(req)
	if err != nil {
		return nil, err
	}

	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	t.seq++
	seq := t.seq

	// Register BEFORE writing so recvLoop can never see a response it cannot route.
	call, err := t.register(seq, req.ServiceMethod)
	if err != nil {
		t.release()
		return nil, err
	}

	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}
	cut, err := t.writeFrame(ctx, &header, body)
	t.release()
	if err != nil {
		t.unregister(seq)
		// A failed write leaves a partial frame on the wire; nothing after it can be parsed.
		lost := &rpcerr.ConnectionError{Addr: t.addr, Lost: true, Err: err}
		t.shutdown(lost, false)
		if cut {
			return nil, ctx.Err()
		}
		return nil, t.stateErr(lost)
	}

	select {
	case res := <-call.ch:
		return res.msg, res.err
	case <-ctx.Done():
		if t.unregister(seq) {
			t.sendCancel(seq)
		}
		return nil, ctx.Err()
	}
}

// acquire takes the send token, giving up when ctx is done or the transport
// has shut down.
func (t *ClientTransport) acquire(ctx context.Context) error {
	select {
	case t.sendSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.stateErr(rpcerr.ErrConnectionClosed)
	}
}

func (t *ClientTransport) release() {
	<-t.sendSem
}

// writeFrame writes one frame while holding the send token. When ctx ends
// mid-write the write deadline is pulled in to unblock it, and cut reports
// that the write was interrupted that way.
func (t *ClientTransport) writeFrame(ctx context.Context, header *protocol.Header, body []byte) (cut bool, err error) {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetWriteDeadline(time.Now())
		close(fired)
	})
	err = protocol.Encode(t.conn, header, body)
	if !stop() {
		<-fired
		if err == nil {
			t.conn.SetWriteDeadline(time.Time{})
		}
		return err != nil, err
	}
	return false, err
}

// Close closes the connection exactly once. Calls in flight fail with
// rpcerr.ErrConnectionClosed; closing again is a no-op.
func (t *ClientTransport) Close() error {
	return t.shutdown(rpcerr.ErrConnectionClosed, true)
}

func (t *ClientTransport) register(seq uint32, method string) (*pendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.stateErrLocked(); err != nil {
		return nil, err
	}
	call := &pendingCall{method: method, ch: make(chan result, 1)}
	t.pending[seq] = call
	return call, nil
}

// unregister removes seq and reports whether it was still pending.
func (t *ClientTransport) unregister(seq uint32) bool {
	return t.take(seq) != nil
}

func (t *ClientTransport) take(seq uint32) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	call := t.pending[seq]
	delete(t.pending, seq)
	return call
}

func (t *ClientTransport) stateErr(fallback error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.stateErrLocked(); err != nil {
		return err
	}
	return fallback
}

func (t *ClientTransport) stateErrLocked() error {
	if t.closed {
		return rpcerr.ErrConnectionClosed
	}
	return t.broken
}

// shutdown moves the transport to its terminal state and fails every pending
// call with cause. Only the first call has any effect, except that an
// explicit Close after a failure still marks the transport closed.
func (t *ClientTransport) shutdown(cause error, closing bool) error {
	t.mu.Lock()
	if t.closed || t.broken != nil {
		if closing {
			t.closed = true
		}
		t.mu.Unlock()
		return nil
	}
	if closing {
		t.closed = true
	} else {
		t.broken = cause
	}
	pending := t.pending
	t.pending = make(map[uint32]*pendingCall)
	t.mu.Unlock()

	close(t.done)
	err := t.conn.Close()
	for _, call := range pending {
		call.ch <- result{err: cause}
	}
	if !closing {
		t.logger.Warn("companion connection lost", zap.Error(cause), zap.Int("pending", len(pending)))
	}
	return err
}

// recvLoop is the only reader of the connection. Frames must be read
// sequentially to keep frame boundaries intact.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.shutdown(&rpcerr.ConnectionError{Addr: t.addr, Lost: true, Err: err}, false)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		call := t.take(header.Seq)
		if call == nil {
			// Caller gave up (cancelled) before the response arrived.
			continue
		}

		resp := &message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			call.ch <- result{err: &rpcerr.ProtocolError{Method: call.method, Err: err}}
			continue
		}
		call.ch <- result{msg: resp}
	}
}

func (t *ClientTransport) sendCancel(seq uint32) {
	header := &protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeCancel,
		Seq:       seq,
	}
	if err := t.writeControl(header); err != nil {
		t.logger.Debug("cancel frame not sent", zap.Uint32("seq", seq), zap.Error(err))
	}
}

// heartbeatLoop sends periodic bodiless heartbeat frames until shutdown.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{
			CodecType: byte(t.codec),
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		// A failed write shuts the transport down; done ends the loop next tick.
		// A heartbeat that could not get the send token in time is skipped.
		t.writeControl(header)
	}
}

// writeControl writes a bodiless frame within writeTimeout. A peer that
// stops reading for that long is treated as lost.
func (t *ClientTransport) writeControl(header *protocol.Header) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
	defer cancel()
	if err := t.acquire(ctx); err != nil {
		return err
	}
	_, err := t.writeFrame(ctx, header, nil)
	t.release()
	if err != nil {
		t.shutdown(&rpcerr.ConnectionError{Addr: t.addr, Lost: true, Err: err}, false)
	}
	return err
}
