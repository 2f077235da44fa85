// Command tftp-server serves RRQ/WRQ requests rooted at SERVER_ROOT.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/rgtarno/go-tftpd/internal/engine"
	"github.com/rgtarno/go-tftpd/internal/metrics"
	"github.com/rgtarno/go-tftpd/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	maxClients := flag.Int64("max-clients", 64, "maximum number of simultaneous connections")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9109 (disabled if empty)")
	port := flag.Int("port", 69, "UDP port to listen on")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: tftp-server [flags] SERVER_ROOT INTERFACE [DEBUG]")
		flag.PrintDefaults()
		return 1
	}
	root := args[0]
	ifaceArg := args[1]
	debug := len(args) > 2 && args[2] == "1"

	log := logrus.New()
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}

	iface := net.ParseIP(ifaceArg)
	if iface == nil {
		log.WithField("interface", ifaceArg).Error("invalid IPv4 literal")
		return 1
	}

	if err := os.Chdir(root); err != nil {
		log.WithError(err).WithField("root", root).Error("failed to chdir into server root")
		return 1
	}
	absRoot, err := os.Getwd()
	if err != nil {
		log.WithError(err).Error("failed to resolve server root")
		return 1
	}

	collector := metrics.New()
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
		log.WithField("addr", *metricsAddr).Info("serving metrics")
	}

	opts := server.Options{
		Root:       absRoot,
		Interface:  iface,
		Port:       *port,
		MaxClients: *maxClients,
		EngineCfg:  engine.DefaultConfig(),
	}
	srv, err := server.New(opts, log, collector)
	if err != nil {
		log.WithError(err).Error("failed to start server")
		return 1
	}
	if err := srv.Run(); err != nil {
		log.WithError(err).Error("server exited with error")
		return 1
	}
	return 0
}
