package server

import (
	"net"
	"os"

	"golang.org/x/sync/semaphore"

	"github.com/rgtarno/go-tftpd/internal/engine"
	"github.com/rgtarno/go-tftpd/internal/reactor"
	"github.com/rgtarno/go-tftpd/internal/store"
	"github.com/rgtarno/go-tftpd/internal/transport"
	"github.com/rgtarno/go-tftpd/tftp"
)

// pendingRequest is one decoded RRQ/WRQ waiting for a free connection slot.
type pendingRequest struct {
	pkt  tftp.Packet
	from *net.UDPAddr
}

// connWrapper ties an engine.Connection to the reactor registrations that
// drive it, so the dispatcher can tear both down together on FINISHED.
type connWrapper struct {
	conn    *engine.Connection
	dataFd  int
	timerFd int
}

// dispatcher implements §4.6: it owns the well-known-port listener socket,
// decodes RRQ/WRQ, and spawns Connections up to the configured concurrency
// cap. It is driven entirely from the reactor's single goroutine.
type dispatcher struct {
	root     string
	react    *reactor.Reactor
	listener *transport.Endpoint
	sem      *semaphore.Weighted
	cfg      engine.Config
	rec      *recorder

	queue   []pendingRequest
	active  map[uint64]*connWrapper
	nextID  uint64
	onError func(error)
}

func newDispatcher(root string, react *reactor.Reactor, listener *transport.Endpoint, maxClients int64, cfg engine.Config, rec *recorder, onError func(error)) *dispatcher {
	return &dispatcher{
		root:     root,
		react:    react,
		listener: listener,
		sem:      semaphore.NewWeighted(maxClients),
		cfg:      cfg,
		rec:      rec,
		active:   make(map[uint64]*connWrapper),
		onError:  onError,
	}
}

// onListenerReadable drains every pending datagram on the listener socket,
// decodes it, and enqueues valid requests.
func (d *dispatcher) onListenerReadable() {
	for {
		data, from, ok, err := d.listener.RecvFrom(maxListenerDatagram)
		if err != nil {
			d.onError(err)
			return
		}
		if !ok {
			return
		}
		pkt, err := tftp.Decode(data)
		if err != nil {
			d.rec.log.WithField("from", from.String()).WithError(err).Debug("dropping malformed datagram")
			continue
		}
		switch pkt.(type) {
		case tftp.RRQ, tftp.WRQ:
			d.queue = append(d.queue, pendingRequest{pkt: pkt, from: from})
		default:
			d.rec.log.WithField("from", from.String()).Debug("dropping non-request packet on listener port")
		}
	}
}

const maxListenerDatagram = 65 * 1024

// drainQueue spawns connections for as many queued requests as the
// concurrency cap currently allows.
func (d *dispatcher) drainQueue() {
	for len(d.queue) > 0 {
		if !d.sem.TryAcquire(1) {
			return
		}
		req := d.queue[0]
		d.queue = d.queue[1:]
		if err := d.spawn(req); err != nil {
			d.sem.Release(1)
			d.rec.log.WithError(err).Error("failed to spawn connection")
		}
	}
}

func (d *dispatcher) spawn(req pendingRequest) error {
	endpoint, err := transport.NewEndpoint()
	if err != nil {
		return err
	}
	if err := endpoint.Bind(net.IPv4zero, 0); err != nil {
		endpoint.Close()
		return err
	}
	if err := endpoint.Connect(req.from.IP, req.from.Port); err != nil {
		endpoint.Close()
		return err
	}

	timer, err := transport.NewTimer()
	if err != nil {
		endpoint.Close()
		return err
	}

	d.nextID++
	id := d.nextID
	remoteAddr := req.from.String()

	var conn *engine.Connection
	switch p := req.pkt.(type) {
	case tftp.RRQ:
		conn = d.buildRead(id, endpoint, timer, remoteAddr, p)
	case tftp.WRQ:
		conn = d.buildWrite(id, endpoint, timer, remoteAddr, p)
	}

	w := &connWrapper{conn: conn, dataFd: endpoint.Fd(), timerFd: timer.Fd()}
	d.active[id] = w
	d.rec.m.ConnectionStarted()

	if err := d.react.Register(w.timerFd, reactor.Readable, func() { d.onTimer(id) }, nil); err != nil {
		return err
	}
	interest := conn.Interest()
	if err := d.react.Register(w.dataFd, interest, func() { d.onDataReadable(id) }, func() { d.onDataWritable(id) }); err != nil {
		d.react.Deregister(w.timerFd)
		return err
	}
	return nil
}

func (d *dispatcher) buildRead(id uint64, endpoint *transport.Endpoint, timer *transport.Timer, remoteAddr string, p tftp.RRQ) *engine.Connection {
	resolved, aerr := store.Authorize(d.root, p.Filename, false, d.exists)
	if aerr != nil {
		return engine.NewDenied(id, endpoint, timer, remoteAddr, aerr.Code, aerr.Message, d.cfg, d.rec)
	}
	src, err := store.OpenSource(resolved, p.Mode)
	if err != nil {
		return engine.NewDenied(id, endpoint, timer, remoteAddr, tftp.ErrAccessViolation, "access violation", d.cfg, d.rec)
	}
	info, err := os.Stat(resolved)
	var size int64
	if err == nil {
		size = info.Size()
	}
	mtuFn := func() (int, bool) { return endpoint.MTU() }
	return engine.NewRead(id, endpoint, timer, remoteAddr, src, size, p.Options, mtuFn, d.cfg, d.rec)
}

func (d *dispatcher) buildWrite(id uint64, endpoint *transport.Endpoint, timer *transport.Timer, remoteAddr string, p tftp.WRQ) *engine.Connection {
	resolved, aerr := store.Authorize(d.root, p.Filename, true, d.exists)
	if aerr != nil {
		return engine.NewDenied(id, endpoint, timer, remoteAddr, aerr.Code, aerr.Message, d.cfg, d.rec)
	}
	var tsizeHint int64
	if v, ok := tftp.GetOption(p.Options, "TSIZE"); ok {
		tsizeHint = parseTsizeHint(v)
	}
	sink, err := store.CreateSink(resolved, p.Mode, tsizeHint)
	if err != nil {
		return engine.NewDenied(id, endpoint, timer, remoteAddr, tftp.ErrAccessViolation, "access violation", d.cfg, d.rec)
	}
	mtuFn := func() (int, bool) { return endpoint.MTU() }
	return engine.NewWrite(id, endpoint, timer, remoteAddr, sink, p.Options, mtuFn, d.cfg, d.rec)
}

func parseTsizeHint(v string) int64 {
	var n int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

func (d *dispatcher) exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func (d *dispatcher) onDataReadable(id uint64) {
	w, ok := d.active[id]
	if !ok {
		return
	}
	w.conn.OnReadable()
	d.afterStep(id, w)
}

func (d *dispatcher) onDataWritable(id uint64) {
	w, ok := d.active[id]
	if !ok {
		return
	}
	w.conn.OnWritable()
	d.afterStep(id, w)
}

func (d *dispatcher) onTimer(id uint64) {
	w, ok := d.active[id]
	if !ok {
		return
	}
	w.conn.OnTimeout()
	d.afterStep(id, w)
}

// afterStep reconciles the connection's epoll interest with its current
// state, or tears it down once FINISHED.
func (d *dispatcher) afterStep(id uint64, w *connWrapper) {
	if w.conn.Finished() {
		d.react.Deregister(w.dataFd)
		d.react.Deregister(w.timerFd)
		w.conn.Close()
		delete(d.active, id)
		d.sem.Release(1)
		d.drainQueue()
		return
	}
	interest := w.conn.Interest()
	d.react.Modify(w.dataFd, interest, func() { d.onDataReadable(id) }, func() { d.onDataWritable(id) })
}

