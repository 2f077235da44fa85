// Command tftp-client issues one RRQ or WRQ against a TFTP server for each
// file named on the command line.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/rgtarno/go-tftpd/internal/clientside"
	"github.com/rgtarno/go-tftpd/tftp"
)

func main() {
	os.Exit(run())
}

func run() int {
	host := flag.String("host", "", "TFTP server address (required)")
	iface := flag.String("interface", "", "local interface address to bind from")
	write := flag.Bool("write", false, "write (WRQ) instead of read (RRQ)")
	modeFlag := flag.String("type", "octet", "transfer mode: octet or netascii")
	verbose := flag.Bool("verbose", false, "enable verbose logging")
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if *host == "" {
		fmt.Fprintln(os.Stderr, "usage: tftp-client --host HOST [flags] FILE [FILE...]")
		flag.PrintDefaults()
		return 1
	}
	mode, ok := tftp.ParseMode(*modeFlag)
	if !ok {
		log.WithField("type", *modeFlag).Error("unknown transfer type")
		return 1
	}
	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no files given")
		return 1
	}

	var localIface net.IP
	if *iface != "" {
		localIface = net.ParseIP(*iface)
		if localIface == nil {
			log.WithField("interface", *iface).Error("invalid interface address")
			return 1
		}
	}

	client, err := clientside.Dial(*host, localIface)
	if err != nil {
		log.WithError(err).Error("failed to connect")
		return 1
	}
	defer client.Close()

	for _, name := range files {
		entry := log.WithField("file", name)
		var opErr error
		if *write {
			opErr = client.Put(name, name, mode)
		} else {
			opErr = client.Get(name, name, mode)
		}
		if opErr != nil {
			entry.WithError(opErr).Error("transfer failed")
			return 1
		}
		entry.Info("transfer complete")
	}
	return 0
}
