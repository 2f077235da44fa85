// Package clientside implements the blocking RRQ/WRQ client used by the
// tftp-client binary. Unlike the server's reactor-driven engine, a client
// only ever speaks to one peer at a time, so it is built directly on
// net.UDPConn with read deadlines rather than the raw-syscall transport.
package clientside

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rgtarno/go-tftpd/tftp"
)

const (
	defaultBlockSize = 512
	defaultTimeout   = 2 * time.Second
	maxTimeouts      = 3
)

// Client talks to one server; each Get or Put call is one transfer.
type Client struct {
	conn      *net.UDPConn
	blockSize int
	timeout   time.Duration
}

// Dial opens a UDP socket connected to host:69, optionally bound to a
// local interface address.
func Dial(host string, iface net.IP) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, "69"))
	if err != nil {
		return nil, fmt.Errorf("clientside: resolve %s: %w", host, err)
	}
	var laddr *net.UDPAddr
	if iface != nil {
		laddr = &net.UDPAddr{IP: iface}
	}
	conn, err := net.DialUDP("udp4", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("clientside: dial: %w", err)
	}
	return &Client{conn: conn, blockSize: defaultBlockSize, timeout: defaultTimeout}, nil
}

// Close releases the underlying socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) sendRecv(frame []byte) (tftp.Packet, error) {
	var lastErr error
	for attempt := 0; attempt < maxTimeouts; attempt++ {
		if _, err := c.conn.Write(frame); err != nil {
			return nil, fmt.Errorf("clientside: send: %w", err)
		}
		c.conn.SetReadDeadline(time.Now().Add(c.timeout))
		buf := make([]byte, c.blockSize+64)
		n, err := c.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("clientside: recv: %w", err)
		}
		pkt, err := tftp.Decode(buf[:n])
		if err != nil {
			lastErr = err
			continue
		}
		return pkt, nil
	}
	return nil, fmt.Errorf("clientside: no reply after %d attempts: %w", maxTimeouts, lastErr)
}

// Get issues a RRQ for remoteFile and writes the transferred bytes to
// localPath.
func (c *Client) Get(remoteFile, localPath string, mode tftp.Mode) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("clientside: create %s: %w", localPath, err)
	}
	defer f.Close()

	req := tftp.RRQ{Filename: remoteFile, Mode: mode, Options: []tftp.Option{
		tftp.FormatOptionInt("blksize", c.blockSize),
	}}
	pkt, err := c.sendRecv(tftp.Encode(req))
	if err != nil {
		return err
	}

	var dec tftp.NetasciiDecoder
	var expected uint16 = 1
	lastAcked := func() []byte { return tftp.Encode(tftp.Ack{Block: expected - 1}) }

	for {
		switch p := pkt.(type) {
		case tftp.Oack:
			if v, ok := tftp.GetOption(p.Options, "BLKSIZE"); ok {
				fmt.Sscanf(v, "%d", &c.blockSize)
			}
			pkt, err = c.sendRecv(lastAcked())
			if err != nil {
				return err
			}
		case tftp.Data:
			if p.Block != expected {
				// Stale retransmit of a block already written: re-ack it
				// without writing again, then keep waiting.
				pkt, err = c.sendRecv(lastAcked())
				if err != nil {
					return err
				}
				continue
			}
			if err := c.writeBlock(f, mode, &dec, p.Payload); err != nil {
				return err
			}
			final := len(p.Payload) < c.blockSize
			if final {
				return c.sendAck(expected)
			}
			expected++
			pkt, err = c.sendRecv(lastAcked())
			if err != nil {
				return err
			}
		case tftp.Error:
			return fmt.Errorf("clientside: server error %d: %s", p.Code, p.Message)
		default:
			return fmt.Errorf("clientside: unexpected reply %T", pkt)
		}
	}
}

func (c *Client) writeBlock(f *os.File, mode tftp.Mode, dec *tftp.NetasciiDecoder, payload []byte) error {
	if mode == tftp.ModeNetascii {
		native, err := dec.Decode(payload)
		if err != nil {
			return fmt.Errorf("clientside: netascii: %w", err)
		}
		payload = native
	}
	_, err := f.Write(payload)
	return err
}

func (c *Client) sendAck(block uint16) error {
	_, err := c.conn.Write(tftp.Encode(tftp.Ack{Block: block}))
	return err
}

// Put issues a WRQ for remoteFile and streams localPath's contents to the
// server.
func (c *Client) Put(localPath, remoteFile string, mode tftp.Mode) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("clientside: open %s: %w", localPath, err)
	}
	defer f.Close()

	req := tftp.WRQ{Filename: remoteFile, Mode: mode, Options: []tftp.Option{
		tftp.FormatOptionInt("blksize", c.blockSize),
	}}
	pkt, err := c.sendRecv(tftp.Encode(req))
	if err != nil {
		return err
	}
	switch p := pkt.(type) {
	case tftp.Oack:
		if v, ok := tftp.GetOption(p.Options, "BLKSIZE"); ok {
			fmt.Sscanf(v, "%d", &c.blockSize)
		}
	case tftp.Ack:
		if p.Block != 0 {
			return fmt.Errorf("clientside: expected ack of block 0, got %d", p.Block)
		}
	case tftp.Error:
		return fmt.Errorf("clientside: server error %d: %s", p.Code, p.Message)
	default:
		return fmt.Errorf("clientside: unexpected reply %T", pkt)
	}

	var enc tftp.NetasciiEncoder
	var block uint16 = 1
	readBuf := make([]byte, c.blockSize)
	payload, final, err := c.fillBlock(f, mode, &enc, readBuf)
	if err != nil {
		return err
	}
	for {
		pkt, err := c.sendRecv(tftp.Encode(tftp.Data{Block: block, Payload: payload}))
		if err != nil {
			return err
		}
		ack, ok := pkt.(tftp.Ack)
		if !ok {
			if e, ok := pkt.(tftp.Error); ok {
				return fmt.Errorf("clientside: server error %d: %s", e.Code, e.Message)
			}
			return fmt.Errorf("clientside: unexpected reply %T", pkt)
		}
		if ack.Block != block {
			// Stale ack for a prior block: resend the same DATA unchanged.
			continue
		}
		if final {
			return nil
		}
		block++
		payload, final, err = c.fillBlock(f, mode, &enc, readBuf)
		if err != nil {
			return err
		}
	}
}

func (c *Client) fillBlock(f *os.File, mode tftp.Mode, enc *tftp.NetasciiEncoder, readBuf []byte) ([]byte, bool, error) {
	if mode != tftp.ModeNetascii {
		n, err := io.ReadFull(f, readBuf)
		switch err {
		case nil:
			return readBuf[:n], false, nil
		case io.EOF, io.ErrUnexpectedEOF:
			return readBuf[:n], true, nil
		default:
			return nil, false, fmt.Errorf("clientside: read: %w", err)
		}
	}

	out := make([]byte, c.blockSize)
	n := 0
	if enc.Pending() {
		n = enc.Drain(out)
	}
	fileDone := false
	chunk := make([]byte, c.blockSize)
	for n < len(out) && !fileDone {
		rn, err := f.Read(chunk)
		if rn > 0 {
			n += enc.Fill(out[n:], chunk[:rn])
		}
		if err == io.EOF {
			fileDone = true
			break
		}
		if err != nil {
			return nil, false, fmt.Errorf("clientside: read: %w", err)
		}
		if rn == 0 {
			break
		}
	}
	final := fileDone && !enc.Pending() && n < len(out)
	return out[:n], final, nil
}
