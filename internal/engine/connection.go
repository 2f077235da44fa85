// Package engine implements the per-client TFTP protocol state machine
// described in §4.7: the lockstep send/ACK cycle, retransmission, option
// negotiation, and netascii-aware data flow. One Connection exists per
// active transfer; the reactor drives it purely through OnReadable,
// OnWritable and OnTimeout.
package engine

import (
	"fmt"

	"github.com/rgtarno/go-tftpd/internal/reactor"
	"github.com/rgtarno/go-tftpd/internal/store"
	"github.com/rgtarno/go-tftpd/tftp"
)

// dataConn is the subset of *transport.Endpoint the engine needs. It is an
// interface so tests can drive the state machine against a fake transport
// instead of a real socket.
type dataConn interface {
	Send(b []byte) (ok bool, err error)
	Recv(max int) (data []byte, ok bool, err error)
	Close() error
}

// retryTimer is the subset of *transport.Timer the engine needs.
type retryTimer interface {
	Arm(seconds int) error
	HasExpired() bool
	Close() error
}

// State is one of the seven engine states from §4.7. SendError and Finished
// are terminal.
type State uint8

const (
	SendData State = iota
	WaitAck
	SendAck
	WaitData
	SendOack
	SendError
	Finished
)

func (s State) String() string {
	switch s {
	case SendData:
		return "SEND_DATA"
	case WaitAck:
		return "WAIT_ACK"
	case SendAck:
		return "SEND_ACK"
	case WaitData:
		return "WAIT_DATA"
	case SendOack:
		return "SEND_OACK"
	case SendError:
		return "SEND_ERROR"
	case Finished:
		return "FINISHED"
	default:
		return "?"
	}
}

// Direction is the transfer direction from the server's point of view.
type Direction uint8

const (
	// DirRead serves a RRQ: the server reads the file and sends DATA.
	DirRead Direction = iota
	// DirWrite serves a WRQ: the server receives DATA and writes the file.
	DirWrite
)

// Config holds the negotiation defaults and retry policy (§4.7, §9).
type Config struct {
	DefaultBlockSize int
	DefaultTimeoutS  int
	MaxTimeouts      int
	MinBlockSize     int
	MaxBlockSize     int
	MinTimeoutS      int
	MaxTimeoutS      int
}

// DefaultConfig uses the RFC 1350 default block size and the RFC 2348/2349
// option bounds, plus a 2-second default timeout and a cap of 3
// consecutive timeouts, neither of which comes from an RFC.
func DefaultConfig() Config {
	return Config{
		DefaultBlockSize: 512,
		DefaultTimeoutS:  2,
		MaxTimeouts:      3,
		MinBlockSize:     8,
		MaxBlockSize:     65464,
		MinTimeoutS:      1,
		MaxTimeoutS:      255,
	}
}

// Recorder observes engine lifecycle events for metrics/logging. All
// methods must tolerate a nil Recorder (no-op) via NopRecorder.
type Recorder interface {
	Retransmit(id uint64)
	Finished(id uint64, remoteAddr string, code *tftp.ErrorCode)
	StateChange(id uint64, from, to State)
}

// NopRecorder implements Recorder with no-ops.
type NopRecorder struct{}

func (NopRecorder) Retransmit(uint64)                       {}
func (NopRecorder) Finished(uint64, string, *tftp.ErrorCode) {}
func (NopRecorder) StateChange(uint64, State, State)         {}

// Connection is one active transfer's state machine. It owns its UDP
// endpoint, timer and file source/sink exclusively and is driven entirely
// by the reactor's callbacks - it performs no blocking I/O of its own.
type Connection struct {
	ID         uint64
	RemoteAddr string
	Dir        Direction

	conn  dataConn
	timer retryTimer

	source store.Source
	sink   store.Sink

	cfg         Config
	blockSize   int
	timeoutS    int
	blockNumber uint16

	bufferedFrame   []byte
	finalAckPending bool
	retries         int
	state           State
	stagedError     *tftp.Error

	oackOptions []tftp.Option

	rec Recorder
}

// newBase wires the shared fields; it does not decide the initial state.
func newBase(id uint64, dir Direction, conn dataConn, timer retryTimer, remoteAddr string, cfg Config, rec Recorder) *Connection {
	if rec == nil {
		rec = NopRecorder{}
	}
	return &Connection{
		ID:         id,
		RemoteAddr: remoteAddr,
		Dir:        dir,
		conn:       conn,
		timer:      timer,
		cfg:        cfg,
		blockSize:  cfg.DefaultBlockSize,
		timeoutS:   cfg.DefaultTimeoutS,
		rec:        rec,
	}
}

// NewDenied builds a Connection whose only job is to transmit a staged
// ERROR frame and finish - used when authorization (§4.8) rejects a
// request before any file is opened.
func NewDenied(id uint64, conn dataConn, timer retryTimer, remoteAddr string, code tftp.ErrorCode, message string, cfg Config, rec Recorder) *Connection {
	c := newBase(id, DirRead, conn, timer, remoteAddr, cfg, rec)
	c.stageError(code, message)
	return c
}

// NewRead builds a Connection serving a RRQ against an already-opened
// Source. mtuFn probes the socket's path MTU (§4.7 BLKSIZE negotiation);
// it may return ok=false when unavailable. fileSize is the native length
// of the file being read, used to answer a TSIZE option.
func NewRead(id uint64, conn dataConn, timer retryTimer, remoteAddr string, src store.Source, fileSize int64, opts []tftp.Option, mtuFn func() (int, bool), cfg Config, rec Recorder) *Connection {
	c := newBase(id, DirRead, conn, timer, remoteAddr, cfg, rec)
	c.source = src
	oack, blockSize, timeoutS := negotiate(opts, cfg, mtuFn, fileSize, true)
	c.blockSize = blockSize
	c.timeoutS = timeoutS
	c.oackOptions = oack
	if len(oack) == 0 {
		c.blockNumber = 1
		c.state = SendData
	} else {
		c.blockNumber = 0
		c.state = SendOack
	}
	return c
}

// NewWrite builds a Connection serving a WRQ against an already-created
// Sink. A client TSIZE option in opts is echoed back in the OACK.
func NewWrite(id uint64, conn dataConn, timer retryTimer, remoteAddr string, sink store.Sink, opts []tftp.Option, mtuFn func() (int, bool), cfg Config, rec Recorder) *Connection {
	c := newBase(id, DirWrite, conn, timer, remoteAddr, cfg, rec)
	c.sink = sink
	oack, blockSize, timeoutS := negotiate(opts, cfg, mtuFn, 0, false)
	c.blockSize = blockSize
	c.timeoutS = timeoutS
	c.oackOptions = oack
	c.blockNumber = 0
	if len(oack) == 0 {
		c.state = SendAck
	} else {
		c.state = SendOack
	}
	return c
}

// negotiate parses recognized options per §4.7 step 2 and builds the
// OACK's option list. isRead selects whether TSIZE answers with fileSize
// (RRQ) or echoes the client's own value (WRQ).
func negotiate(opts []tftp.Option, cfg Config, mtuFn func() (int, bool), fileSize int64, isRead bool) (oack []tftp.Option, blockSize, timeoutS int) {
	blockSize = cfg.DefaultBlockSize
	timeoutS = cfg.DefaultTimeoutS

	if v, ok := tftp.GetOption(opts, "BLKSIZE"); ok {
		if n, err := parseIntOption(v); err == nil && n >= cfg.MinBlockSize && n <= cfg.MaxBlockSize {
			negotiated := n
			if mtu, ok := mtuFn(); ok && mtu > 0 && mtu < negotiated {
				negotiated = mtu
			}
			blockSize = negotiated
			oack = append(oack, tftp.FormatOptionInt("blksize", negotiated))
		}
	}
	if v, ok := tftp.GetOption(opts, "TIMEOUT"); ok {
		if n, err := parseIntOption(v); err == nil && n >= cfg.MinTimeoutS && n <= cfg.MaxTimeoutS {
			timeoutS = n
			oack = append(oack, tftp.FormatOptionInt("timeout", n))
		}
	}
	if v, ok := tftp.GetOption(opts, "TSIZE"); ok {
		if isRead {
			oack = append(oack, tftp.FormatOptionInt("tsize", int(fileSize)))
		} else if n, err := parseIntOption(v); err == nil {
			oack = append(oack, tftp.FormatOptionInt("tsize", n))
		}
	}
	return oack, blockSize, timeoutS
}

func parseIntOption(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Connection) stageError(code tftp.ErrorCode, message string) {
	c.stagedError = &tftp.Error{Code: code, Message: message}
	c.setState(SendError)
}

func (c *Connection) setState(to State) {
	if to != c.state {
		c.rec.StateChange(c.ID, c.state, to)
	}
	c.state = to
}

// Finished reports whether the engine has reached its terminal state and
// may be deregistered and destroyed.
func (c *Connection) Finished() bool {
	return c.state == Finished
}

// Interest reports which epoll readiness condition the connection's socket
// currently needs, per §5: writable while SEND_*, readable while WAIT_*.
func (c *Connection) Interest() reactor.Interest {
	switch c.state {
	case SendData, SendAck, SendOack, SendError:
		return reactor.Writable
	case WaitAck, WaitData:
		return reactor.Readable
	default:
		return 0
	}
}

// Close releases the connection's socket, timer and file handle. It is
// safe to call multiple times.
func (c *Connection) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.timer != nil {
		c.timer.Close()
		c.timer = nil
	}
	if c.source != nil {
		c.source.Close()
		c.source = nil
	}
	if c.sink != nil {
		c.sink.Close()
		c.sink = nil
	}
}

func (c *Connection) finish() {
	var code *tftp.ErrorCode
	if c.stagedError != nil {
		code = &c.stagedError.Code
	}
	c.setState(Finished)
	c.rec.Finished(c.ID, c.RemoteAddr, code)
}

// OnTimeout is invoked by the reactor when the connection's timer fires.
func (c *Connection) OnTimeout() {
	if !c.timer.HasExpired() {
		return
	}
	switch c.state {
	case WaitAck, WaitData:
		// fall through to retry handling below
	default:
		return
	}
	c.retries++
	if c.retries >= c.cfg.MaxTimeouts {
		c.finish()
		return
	}
	c.rec.Retransmit(c.ID)
	if c.state == WaitAck {
		c.setState(SendData)
	} else {
		c.blockNumber--
		c.setState(SendAck)
	}
}

// OnWritable is invoked by the reactor when the connection's socket is
// writable and the engine is in one of the SEND_* states.
func (c *Connection) OnWritable() {
	switch c.state {
	case SendData:
		c.doSendData()
	case SendAck:
		c.doSendAck()
	case SendOack:
		c.doSendOack()
	case SendError:
		c.doSendError()
	}
}

func (c *Connection) doSendData() {
	if c.bufferedFrame == nil {
		buf := make([]byte, c.blockSize)
		n, eof, err := c.source.Fill(buf)
		if err != nil {
			c.stageError(tftp.ErrAccessViolation, "access violation")
			return
		}
		if n < c.blockSize || eof {
			c.finalAckPending = true
		}
		c.bufferedFrame = tftp.Encode(tftp.Data{Block: c.blockNumber, Payload: buf[:n]})
	}
	ok, err := c.conn.Send(c.bufferedFrame)
	if err != nil {
		c.stageError(tftp.ErrNotDefined, "send failed")
		return
	}
	if !ok {
		return
	}
	if err := c.timer.Arm(c.timeoutS); err != nil {
		c.stageError(tftp.ErrNotDefined, "timer arm failed")
		return
	}
	c.setState(WaitAck)
}

func (c *Connection) doSendAck() {
	if c.bufferedFrame == nil {
		c.bufferedFrame = tftp.Encode(tftp.Ack{Block: c.blockNumber})
	}
	ok, err := c.conn.Send(c.bufferedFrame)
	if err != nil {
		c.stageError(tftp.ErrNotDefined, "send failed")
		return
	}
	if !ok {
		return
	}
	c.bufferedFrame = nil
	if c.finalAckPending {
		c.finish()
		return
	}
	c.blockNumber++
	if err := c.timer.Arm(c.timeoutS); err != nil {
		c.stageError(tftp.ErrNotDefined, "timer arm failed")
		return
	}
	c.setState(WaitData)
}

func (c *Connection) doSendOack() {
	if c.bufferedFrame == nil {
		c.bufferedFrame = tftp.Encode(tftp.Oack{Options: c.oackOptions})
	}
	ok, err := c.conn.Send(c.bufferedFrame)
	if err != nil {
		c.stageError(tftp.ErrNotDefined, "send failed")
		return
	}
	if !ok {
		return
	}
	c.bufferedFrame = nil
	if err := c.timer.Arm(c.timeoutS); err != nil {
		c.stageError(tftp.ErrNotDefined, "timer arm failed")
		return
	}
	if c.Dir == DirRead {
		c.setState(WaitAck)
		return
	}
	// WRQ+options: the client proceeds straight to DATA block 1, with no
	// ACK of the OACK to advance block_number through.
	c.blockNumber = 1
	c.setState(WaitData)
}

func (c *Connection) doSendError() {
	if c.bufferedFrame == nil {
		c.bufferedFrame = tftp.Encode(*c.stagedError)
	}
	// An ERROR send is attempted once; whether it succeeds or not the
	// connection finishes (§4.7 SEND_ERROR).
	c.conn.Send(c.bufferedFrame)
	c.finish()
}

// OnReadable is invoked by the reactor when the connection's socket is
// readable and the engine is in one of the WAIT_* states.
func (c *Connection) OnReadable() {
	data, ok, err := c.conn.Recv(maxDatagram(c.blockSize))
	if err != nil {
		c.stageError(tftp.ErrNotDefined, "recv failed")
		return
	}
	if !ok {
		return
	}
	pkt, err := tftp.Decode(data)
	if err != nil {
		c.stageError(tftp.ErrIllegalOperation, "illegal TFTP operation")
		return
	}
	switch c.state {
	case WaitAck:
		c.handleWaitAck(pkt)
	case WaitData:
		c.handleWaitData(pkt)
	}
}

func maxDatagram(blockSize int) int {
	// DATA header (4 bytes) plus payload, with slack for a short read.
	if blockSize+64 > 65507 {
		return 65507
	}
	return blockSize + 64
}

func (c *Connection) handleWaitAck(pkt tftp.Packet) {
	switch p := pkt.(type) {
	case tftp.Ack:
		c.retries = 0
		switch {
		case p.Block == c.blockNumber:
			if c.finalAckPending {
				c.finish()
				return
			}
			c.blockNumber++
			c.bufferedFrame = nil
			c.setState(SendData)
		case p.Block == c.blockNumber-1:
			// Lost retransmit reply: resend the same DATA without advancing.
			c.setState(SendData)
		default:
			c.stageError(tftp.ErrIllegalOperation, "illegal TFTP operation")
		}
	case tftp.Error:
		c.finish()
	default:
		c.stageError(tftp.ErrIllegalOperation, "illegal TFTP operation")
	}
}

func (c *Connection) handleWaitData(pkt tftp.Packet) {
	switch p := pkt.(type) {
	case tftp.Data:
		c.retries = 0
		switch {
		case p.Block == c.blockNumber:
			if err := c.sink.Write(p.Payload); err != nil {
				c.stageError(tftp.ErrAccessViolation, "access violation")
				return
			}
			if len(p.Payload) < c.blockSize {
				c.finalAckPending = true
			}
			c.bufferedFrame = nil
			c.setState(SendAck)
		case p.Block == c.blockNumber-1:
			// Duplicate: re-ACK the previous block without writing again.
			c.blockNumber--
			c.bufferedFrame = nil
			c.setState(SendAck)
		default:
			c.stageError(tftp.ErrIllegalOperation, "illegal TFTP operation")
		}
	case tftp.Error:
		c.finish()
	default:
		c.stageError(tftp.ErrIllegalOperation, "illegal TFTP operation")
	}
}
