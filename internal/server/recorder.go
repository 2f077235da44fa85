package server

import (
	"github.com/sirupsen/logrus"

	"github.com/rgtarno/go-tftpd/internal/engine"
	"github.com/rgtarno/go-tftpd/internal/metrics"
	"github.com/rgtarno/go-tftpd/tftp"
)

// recorder fans engine.Recorder events out to structured logs and
// Prometheus counters. It implements engine.Recorder.
type recorder struct {
	log *logrus.Logger
	m   *metrics.Collector
}

func newRecorder(log *logrus.Logger, m *metrics.Collector) *recorder {
	return &recorder{log: log, m: m}
}

func (r *recorder) Retransmit(id uint64) {
	if r.m != nil {
		r.m.Retransmit()
	}
	r.log.WithField("conn", id).Debug("retransmit")
}

func (r *recorder) Finished(id uint64, remoteAddr string, code *tftp.ErrorCode) {
	if r.m != nil {
		r.m.ConnectionFinished(code)
	}
	entry := r.log.WithFields(logrus.Fields{"conn": id, "peer": remoteAddr})
	if code == nil {
		entry.Info("transfer complete")
		return
	}
	entry.WithField("error_code", code.String()).Warn("transfer finished with error")
}

func (r *recorder) StateChange(id uint64, from, to engine.State) {
	r.log.WithFields(logrus.Fields{"conn": id, "from": from.String(), "to": to.String()}).Debug("state transition")
}
