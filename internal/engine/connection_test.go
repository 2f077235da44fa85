package engine

import (
	"bytes"
	"io"
	"testing"

	"github.com/rgtarno/go-tftpd/tftp"
)

// fakeConn is an in-memory dataConn: Send appends to sent, Recv pops the
// next queued inbound frame.
type fakeConn struct {
	sent   [][]byte
	inbox  [][]byte
	closed bool
}

func (f *fakeConn) Send(b []byte) (bool, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sent = append(f.sent, cp)
	return true, nil
}

func (f *fakeConn) Recv(max int) ([]byte, bool, error) {
	if len(f.inbox) == 0 {
		return nil, false, nil
	}
	next := f.inbox[0]
	f.inbox = f.inbox[1:]
	return next, true, nil
}

func (f *fakeConn) push(p tftp.Packet) {
	f.inbox = append(f.inbox, tftp.Encode(p))
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func (f *fakeConn) lastSent() tftp.Packet {
	if len(f.sent) == 0 {
		return nil
	}
	p, err := tftp.Decode(f.sent[len(f.sent)-1])
	if err != nil {
		panic(err)
	}
	return p
}

// fakeTimer is a one-shot flag: tests call expire() to simulate the
// deadline firing before calling OnTimeout.
type fakeTimer struct {
	expired   bool
	armCount  int
	lastArmed int
}

func (t *fakeTimer) Arm(seconds int) error {
	t.armCount++
	t.lastArmed = seconds
	return nil
}

func (t *fakeTimer) HasExpired() bool {
	if t.expired {
		t.expired = false
		return true
	}
	return false
}

func (t *fakeTimer) Close() error { return nil }

func (t *fakeTimer) expire() { t.expired = true }

// fakeSource mimics octetSource's io.ReadFull-based short-read-at-EOF
// behavior without touching the filesystem.
type fakeSource struct {
	r *bytes.Reader
}

func newFakeSource(data []byte) *fakeSource {
	return &fakeSource{r: bytes.NewReader(data)}
}

func (s *fakeSource) Fill(buf []byte) (int, bool, error) {
	n, err := io.ReadFull(s.r, buf)
	switch err {
	case nil:
		return n, false, nil
	case io.EOF, io.ErrUnexpectedEOF:
		return n, true, nil
	default:
		return n, false, err
	}
}

func (s *fakeSource) Close() error { return nil }

// fakeSink collects written payloads for assertion.
type fakeSink struct {
	buf    bytes.Buffer
	closed bool
}

func (s *fakeSink) Write(p []byte) error {
	_, err := s.buf.Write(p)
	return err
}

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

func testConfig() Config {
	c := DefaultConfig()
	c.DefaultBlockSize = 512
	return c
}

func asData(t *testing.T, p tftp.Packet) tftp.Data {
	t.Helper()
	d, ok := p.(tftp.Data)
	if !ok {
		t.Fatalf("expected Data packet, got %T", p)
	}
	return d
}

func asAck(t *testing.T, p tftp.Packet) tftp.Ack {
	t.Helper()
	a, ok := p.(tftp.Ack)
	if !ok {
		t.Fatalf("expected Ack packet, got %T", p)
	}
	return a
}

// 1024-byte file over a 512-byte block size: two full blocks plus a
// trailing empty block, since the transfer size is an exact multiple.
func TestReadTransferExactMultipleBlockSize(t *testing.T) {
	conn := &fakeConn{}
	timer := &fakeTimer{}
	data := bytes.Repeat([]byte{'x'}, 1024)
	src := newFakeSource(data)

	c := NewRead(1, conn, timer, "10.0.0.5:1024", src, int64(len(data)), nil, func() (int, bool) { return 0, false }, testConfig(), nil)
	if c.state != SendData || c.blockNumber != 1 {
		t.Fatalf("unexpected initial state %v block %d", c.state, c.blockNumber)
	}

	c.OnWritable()
	d1 := asData(t, conn.lastSent())
	if d1.Block != 1 || len(d1.Payload) != 512 {
		t.Fatalf("block1: got block=%d len=%d", d1.Block, len(d1.Payload))
	}
	conn.push(tftp.Ack{Block: 1})
	c.OnReadable()
	if c.state != SendData {
		t.Fatalf("expected SendData after ack1, got %v", c.state)
	}

	c.OnWritable()
	d2 := asData(t, conn.lastSent())
	if d2.Block != 2 || len(d2.Payload) != 512 {
		t.Fatalf("block2: got block=%d len=%d", d2.Block, len(d2.Payload))
	}
	conn.push(tftp.Ack{Block: 2})
	c.OnReadable()

	c.OnWritable()
	d3 := asData(t, conn.lastSent())
	if d3.Block != 3 || len(d3.Payload) != 0 {
		t.Fatalf("block3 (trailing empty): got block=%d len=%d", d3.Block, len(d3.Payload))
	}
	conn.push(tftp.Ack{Block: 3})
	c.OnReadable()
	if !c.Finished() {
		t.Fatalf("expected Finished after final ack, got %v", c.state)
	}
}

// A 500-byte file under the same 512-byte block size ends in one short
// block; no trailing empty block is sent.
func TestReadTransferShortFinalBlock(t *testing.T) {
	conn := &fakeConn{}
	timer := &fakeTimer{}
	data := bytes.Repeat([]byte{'y'}, 500)
	src := newFakeSource(data)

	c := NewRead(2, conn, timer, "10.0.0.5:1025", src, int64(len(data)), nil, func() (int, bool) { return 0, false }, testConfig(), nil)
	c.OnWritable()
	d1 := asData(t, conn.lastSent())
	if d1.Block != 1 || len(d1.Payload) != 500 {
		t.Fatalf("block1: got block=%d len=%d", d1.Block, len(d1.Payload))
	}
	conn.push(tftp.Ack{Block: 1})
	c.OnReadable()
	if !c.Finished() {
		t.Fatalf("expected Finished immediately after the short block's ack, got %v", c.state)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected exactly one DATA frame, got %d", len(conn.sent))
	}
}

// A WRQ delivered as a 512-byte block followed by a 100-byte block.
func TestWriteTransferTwoBlocks(t *testing.T) {
	conn := &fakeConn{}
	timer := &fakeTimer{}
	sink := &fakeSink{}

	c := NewWrite(3, conn, timer, "10.0.0.5:1026", sink, nil, func() (int, bool) { return 0, false }, testConfig(), nil)
	if c.state != SendAck || c.blockNumber != 0 {
		t.Fatalf("unexpected initial state %v block %d", c.state, c.blockNumber)
	}
	c.OnWritable()
	a0 := asAck(t, conn.lastSent())
	if a0.Block != 0 {
		t.Fatalf("expected initial ack of block 0, got %d", a0.Block)
	}

	conn.push(tftp.Data{Block: 1, Payload: bytes.Repeat([]byte{'a'}, 512)})
	c.OnReadable()
	c.OnWritable()
	a1 := asAck(t, conn.lastSent())
	if a1.Block != 1 {
		t.Fatalf("expected ack of block 1, got %d", a1.Block)
	}
	if c.Finished() {
		t.Fatalf("full block must not finish the transfer")
	}

	conn.push(tftp.Data{Block: 2, Payload: bytes.Repeat([]byte{'b'}, 100)})
	c.OnReadable()
	c.OnWritable()
	a2 := asAck(t, conn.lastSent())
	if a2.Block != 2 {
		t.Fatalf("expected ack of block 2, got %d", a2.Block)
	}
	if !c.Finished() {
		t.Fatalf("short final block must finish the transfer")
	}
	if sink.buf.Len() != 612 {
		t.Fatalf("expected 612 bytes written, got %d", sink.buf.Len())
	}
}

// When the client's ACK is lost, each timeout retransmits the same DATA
// block; the MaxTimeouts-th consecutive timeout ends the connection.
func TestRetransmitOnLostAckThenAbort(t *testing.T) {
	conn := &fakeConn{}
	timer := &fakeTimer{}
	src := newFakeSource(bytes.Repeat([]byte{'z'}, 512))
	cfg := testConfig()

	c := NewRead(4, conn, timer, "10.0.0.5:1027", src, 512, nil, func() (int, bool) { return 0, false }, cfg, nil)
	c.OnWritable()
	if len(conn.sent) != 1 {
		t.Fatalf("expected one send before any timeout, got %d", len(conn.sent))
	}

	for i := 0; i < cfg.MaxTimeouts-1; i++ {
		timer.expire()
		c.OnTimeout()
		if c.Finished() {
			t.Fatalf("should not finish before MaxTimeouts retries (iteration %d)", i)
		}
		c.OnWritable()
	}
	if len(conn.sent) != cfg.MaxTimeouts {
		t.Fatalf("expected %d sends (the original plus %d retransmits), got %d", cfg.MaxTimeouts, cfg.MaxTimeouts-1, len(conn.sent))
	}

	timer.expire()
	c.OnTimeout()
	if !c.Finished() {
		t.Fatalf("expected abort after %d consecutive timeouts", cfg.MaxTimeouts)
	}
}

// A duplicate DATA block (network-level retransmit from the client) is
// re-acknowledged without being written to the sink twice.
func TestDuplicateDataIsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	timer := &fakeTimer{}
	sink := &fakeSink{}

	c := NewWrite(5, conn, timer, "10.0.0.5:1028", sink, nil, func() (int, bool) { return 0, false }, testConfig(), nil)
	c.OnWritable() // ack block 0

	block1 := bytes.Repeat([]byte{'h'}, 512)
	conn.push(tftp.Data{Block: 1, Payload: block1})
	c.OnReadable()
	c.OnWritable() // ack block 1, now waiting for block 2 (full block, so not final)

	if sink.buf.Len() != 512 {
		t.Fatalf("unexpected sink length after first write: %d", sink.buf.Len())
	}

	// Client never saw the ack and resends block 1.
	conn.push(tftp.Data{Block: 1, Payload: block1})
	c.OnReadable()
	c.OnWritable()
	dup := asAck(t, conn.lastSent())
	if dup.Block != 1 {
		t.Fatalf("expected re-ack of block 1, got %d", dup.Block)
	}
	if sink.buf.Len() != 512 {
		t.Fatalf("duplicate DATA must not be written twice, got length %d", sink.buf.Len())
	}
	if c.blockNumber != 2 || c.state != WaitData {
		t.Fatalf("expected to resume waiting for block 2, got block=%d state=%v", c.blockNumber, c.state)
	}
}

// A RRQ negotiating blksize and tsize replies with an OACK; the client's
// ACK of block 0 then starts the transfer at block 1.
func TestOackNegotiationThenDataBlockOne(t *testing.T) {
	conn := &fakeConn{}
	timer := &fakeTimer{}
	data := bytes.Repeat([]byte{'q'}, 2000)
	src := newFakeSource(data)
	opts := []tftp.Option{{Name: "BLKSIZE", Value: "1400"}, {Name: "TSIZE", Value: "0"}}

	c := NewRead(6, conn, timer, "10.0.0.5:1029", src, int64(len(data)), opts, func() (int, bool) { return 0, false }, testConfig(), nil)
	if c.state != SendOack {
		t.Fatalf("expected SendOack, got %v", c.state)
	}
	if c.blockSize != 1400 {
		t.Fatalf("expected negotiated blksize 1400, got %d", c.blockSize)
	}

	c.OnWritable()
	oack, ok := conn.lastSent().(tftp.Oack)
	if !ok {
		t.Fatalf("expected Oack packet, got %T", conn.lastSent())
	}
	blksize, _ := tftp.GetOption(oack.Options, "blksize")
	if blksize != "1400" {
		t.Fatalf("expected blksize=1400 in OACK, got %q", blksize)
	}
	tsize, _ := tftp.GetOption(oack.Options, "tsize")
	if tsize != "2000" {
		t.Fatalf("expected tsize echoed as file size 2000, got %q", tsize)
	}
	if c.state != WaitAck || c.blockNumber != 0 {
		t.Fatalf("expected WaitAck at block 0 after OACK, got state=%v block=%d", c.state, c.blockNumber)
	}

	conn.push(tftp.Ack{Block: 0})
	c.OnReadable()
	if c.state != SendData || c.blockNumber != 1 {
		t.Fatalf("expected SendData at block 1 after ack of block 0, got state=%v block=%d", c.state, c.blockNumber)
	}
	c.OnWritable()
	d1 := asData(t, conn.lastSent())
	if d1.Block != 1 || len(d1.Payload) != 1400 {
		t.Fatalf("expected 1400-byte block 1, got block=%d len=%d", d1.Block, len(d1.Payload))
	}
}

// An authorization denial transmits ERROR and finishes without ever
// opening a file.
func TestDeniedConnectionSendsErrorAndFinishes(t *testing.T) {
	conn := &fakeConn{}
	timer := &fakeTimer{}

	c := NewDenied(7, conn, timer, "10.0.0.5:1030", tftp.ErrAccessViolation, "File not found", testConfig(), nil)
	if c.state != SendError {
		t.Fatalf("expected SendError, got %v", c.state)
	}
	c.OnWritable()
	errPkt, ok := conn.lastSent().(tftp.Error)
	if !ok {
		t.Fatalf("expected Error packet, got %T", conn.lastSent())
	}
	if errPkt.Code != tftp.ErrAccessViolation {
		t.Fatalf("expected ACCESS_VIOLATION, got %v", errPkt.Code)
	}
	if !c.Finished() {
		t.Fatalf("expected Finished after sending ERROR")
	}
}

// A TIMEOUT option outside [MinTimeoutS, MaxTimeoutS] is silently dropped:
// the OACK omits it and the connection keeps the default timeout, while a
// concurrently requested valid BLKSIZE is still honored.
func TestOackRejectedTimeoutFallsBackToDefault(t *testing.T) {
	conn := &fakeConn{}
	timer := &fakeTimer{}
	data := bytes.Repeat([]byte{'r'}, 100)
	src := newFakeSource(data)
	cfg := testConfig()
	opts := []tftp.Option{
		{Name: "BLKSIZE", Value: "1024"},
		{Name: "TIMEOUT", Value: "0"}, // below MinTimeoutS
	}

	c := NewRead(8, conn, timer, "10.0.0.5:1031", src, int64(len(data)), opts, func() (int, bool) { return 0, false }, cfg, nil)
	if c.timeoutS != cfg.DefaultTimeoutS {
		t.Fatalf("expected default timeout %d to survive a rejected TIMEOUT option, got %d", cfg.DefaultTimeoutS, c.timeoutS)
	}
	if c.blockSize != 1024 {
		t.Fatalf("expected the valid BLKSIZE option to still be negotiated, got %d", c.blockSize)
	}

	c.OnWritable()
	oack, ok := conn.lastSent().(tftp.Oack)
	if !ok {
		t.Fatalf("expected Oack packet, got %T", conn.lastSent())
	}
	if _, ok := tftp.GetOption(oack.Options, "timeout"); ok {
		t.Fatalf("rejected TIMEOUT option must not appear in the OACK")
	}
	if v, ok := tftp.GetOption(oack.Options, "blksize"); !ok || v != "1024" {
		t.Fatalf("expected blksize=1024 in OACK, got %q (present=%v)", v, ok)
	}
}

// block_number wraps modulo 2^16: the block following 65535 is 0, not a
// widened counter or an error.
func TestBlockNumberWraparound(t *testing.T) {
	conn := &fakeConn{}
	timer := &fakeTimer{}
	data := bytes.Repeat([]byte{'w'}, 1024)
	src := newFakeSource(data)

	c := NewRead(9, conn, timer, "10.0.0.5:1032", src, int64(len(data)), nil, func() (int, bool) { return 0, false }, testConfig(), nil)
	c.blockNumber = 65535 // fast-forward past the scenarios already covered above

	c.OnWritable()
	last := asData(t, conn.lastSent())
	if last.Block != 65535 {
		t.Fatalf("expected block 65535, got %d", last.Block)
	}
	conn.push(tftp.Ack{Block: 65535})
	c.OnReadable()
	if c.state != SendData || c.blockNumber != 0 {
		t.Fatalf("expected block_number to wrap to 0, got state=%v block=%d", c.state, c.blockNumber)
	}

	c.OnWritable()
	wrapped := asData(t, conn.lastSent())
	if wrapped.Block != 0 {
		t.Fatalf("expected wrapped block 0, got %d", wrapped.Block)
	}
}
