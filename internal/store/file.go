package store

import (
	"io"
	"os"

	"github.com/rgtarno/go-tftpd/tftp"
)

// Source is driven by the connection engine: Fill asks for up to
// len(buf) bytes of the next transfer chunk. eof is true only once no
// further bytes will ever be produced (the underlying file is exhausted
// and, in netascii mode, no carry remains).
type Source interface {
	Fill(buf []byte) (n int, eof bool, err error)
	Close() error
}

// Sink is driven by the connection engine: Write accepts one DATA block's
// payload (already in wire form) and transforms it to native form as
// needed before persisting it.
type Sink interface {
	Write(payload []byte) error
	Close() error
}

// OpenSource opens path for reading in the given mode.
func OpenSource(path string, mode tftp.Mode) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if mode == tftp.ModeNetascii {
		return &netasciiSource{f: f}, nil
	}
	return &octetSource{f: f}, nil
}

// CreateSink creates path for writing in the given mode. sizeHint, when
// positive, is used as a best-effort pre-allocation (a client-advertised
// tsize); failure to truncate is not fatal.
func CreateSink(path string, mode tftp.Mode, sizeHint int64) (Sink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	if sizeHint > 0 {
		_ = f.Truncate(sizeHint)
	}
	if mode == tftp.ModeNetascii {
		return &netasciiSink{f: f}, nil
	}
	return &octetSink{f: f}, nil
}

type octetSource struct {
	f *os.File
}

func (s *octetSource) Fill(buf []byte) (int, bool, error) {
	n, err := io.ReadFull(s.f, buf)
	switch err {
	case nil:
		return n, false, nil
	case io.EOF, io.ErrUnexpectedEOF:
		return n, true, nil
	default:
		return n, false, err
	}
}

func (s *octetSource) Close() error { return s.f.Close() }

type octetSink struct {
	f *os.File
}

func (s *octetSink) Write(payload []byte) error {
	_, err := s.f.Write(payload)
	return err
}

func (s *octetSink) Close() error { return s.f.Close() }

// netasciiSource reads native bytes from the file and expands them to
// netascii on the wire, carrying any expansion overflow across Fill calls
// via tftp.NetasciiEncoder (§4.2).
type netasciiSource struct {
	f        *os.File
	enc      tftp.NetasciiEncoder
	fileDone bool
	readBuf  []byte
}

func (s *netasciiSource) Fill(buf []byte) (int, bool, error) {
	n := 0
	if s.enc.Pending() {
		n = s.enc.Drain(buf)
	}
	for n < len(buf) && !s.fileDone {
		if cap(s.readBuf) < len(buf) {
			s.readBuf = make([]byte, len(buf))
		}
		chunk := s.readBuf[:len(buf)-n]
		rn, err := s.f.Read(chunk)
		if rn > 0 {
			n += s.enc.Fill(buf[n:], chunk[:rn])
		}
		if err == io.EOF {
			s.fileDone = true
			break
		}
		if err != nil {
			return n, false, err
		}
		if rn == 0 {
			break
		}
	}
	eof := s.fileDone && !s.enc.Pending() && n < len(buf)
	return n, eof, nil
}

func (s *netasciiSource) Close() error { return s.f.Close() }

// netasciiSink decodes netascii wire bytes to native form and writes them,
// carrying a trailing bare CR across Write calls via tftp.NetasciiDecoder.
type netasciiSink struct {
	f   *os.File
	dec tftp.NetasciiDecoder
}

func (s *netasciiSink) Write(payload []byte) error {
	native, err := s.dec.Decode(payload)
	if err != nil {
		return err
	}
	_, err = s.f.Write(native)
	return err
}

func (s *netasciiSink) Close() error {
	if s.dec.Pending() {
		return tftp.ErrMalformedNetascii
	}
	return s.f.Close()
}
