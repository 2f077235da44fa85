// Package server wires the Listener/Dispatcher (§4.6) to the epoll
// Reactor (§5), enforcing the max_clients concurrency cap and handling
// graceful shutdown on signal.
package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/rgtarno/go-tftpd/internal/engine"
	"github.com/rgtarno/go-tftpd/internal/metrics"
	"github.com/rgtarno/go-tftpd/internal/reactor"
	"github.com/rgtarno/go-tftpd/internal/transport"
)

// logTransportFatal logs a transport-fatal condition at error level,
// breaking out the underlying syscall.Errno as its own field when the
// wrapped error chain carries one (§7): a bare io/net error never unwraps
// to one and simply falls back to the plain error field.
func logTransportFatal(log *logrus.Logger, err error, msg string) {
	entry := log.WithError(err)
	var errno syscall.Errno
	if errors.As(err, &errno) {
		entry = entry.WithField("errno", errno)
	}
	entry.Error(msg)
}

// Options configures a Server.
type Options struct {
	Root       string
	Interface  net.IP
	Port       int
	MaxClients int64
	EngineCfg  engine.Config
}

// Server is the top-level TFTP daemon: one listener, one reactor, and the
// connections the dispatcher spawns from it.
type Server struct {
	opts     Options
	log      *logrus.Logger
	metrics  *metrics.Collector
	react    *reactor.Reactor
	listener *transport.Endpoint
	disp     *dispatcher
	shutdown atomic.Bool
}

// New binds the listener socket and prepares the reactor; it performs no
// blocking I/O.
func New(opts Options, log *logrus.Logger, m *metrics.Collector) (*Server, error) {
	if opts.Port == 0 {
		opts.Port = 69
	}
	if opts.MaxClients == 0 {
		opts.MaxClients = 64
	}

	react, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	listener, err := transport.NewEndpoint()
	if err != nil {
		react.Close()
		return nil, fmt.Errorf("server: %w", err)
	}
	if err := listener.Bind(opts.Interface, opts.Port); err != nil {
		listener.Close()
		react.Close()
		return nil, fmt.Errorf("server: %w", err)
	}

	s := &Server{opts: opts, log: log, metrics: m, react: react, listener: listener}
	rec := newRecorder(log, m)
	s.disp = newDispatcher(opts.Root, react, listener, opts.MaxClients, opts.EngineCfg, rec, func(err error) {
		logTransportFatal(log, err, "listener recv error")
	})

	if err := react.Register(listener.Fd(), reactor.Readable, s.disp.onListenerReadable, nil); err != nil {
		listener.Close()
		react.Close()
		return nil, fmt.Errorf("server: %w", err)
	}
	return s, nil
}

// pollTimeoutMs bounds each reactor.RunOnce call so the shutdown flag is
// observed promptly (§5).
const pollTimeoutMs = 1000

// Run drives the reactor loop until Shutdown is called or a handled signal
// arrives. It closes every registered handle before returning.
func (s *Server) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGABRT)
	defer signal.Stop(sigCh)

	go func() {
		sig := <-sigCh
		s.log.WithField("signal", sig.String()).Info("shutdown signal received")
		s.Shutdown()
	}()

	s.log.WithFields(logrus.Fields{"root": s.opts.Root, "port": s.opts.Port}).Info("server started")
	for !s.shutdown.Load() {
		if err := s.react.RunOnce(pollTimeoutMs); err != nil {
			logTransportFatal(s.log, err, "reactor iteration failed")
			s.Shutdown()
			break
		}
		s.disp.drainQueue()
	}
	return s.closeAll()
}

// Shutdown requests the run loop stop at its next iteration boundary.
func (s *Server) Shutdown() {
	s.shutdown.Store(true)
}

func (s *Server) closeAll() error {
	for id, w := range s.disp.active {
		s.react.Deregister(w.dataFd)
		s.react.Deregister(w.timerFd)
		w.conn.Close()
		delete(s.disp.active, id)
	}
	s.react.Deregister(s.listener.Fd())
	s.listener.Close()
	err := s.react.Close()
	s.log.Info("server stopped")
	return err
}
