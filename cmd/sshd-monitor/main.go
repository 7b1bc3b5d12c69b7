// Command sshd-monitor is the privileged half of the privilege-separated
// SSH daemon. It never talks to the network directly: it inherits one
// AF_UNIX datagram socket (conventionally file descriptor 3) from its
// parent, the unprivileged sshd-connd process, and services RPC requests
// over it until the socket closes.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/sshmonitor/internal/config"
	"github.com/gravitational/sshmonitor/lib/hostkey"
	"github.com/gravitational/sshmonitor/lib/monitor"
	"github.com/gravitational/sshmonitor/lib/policy"
	"github.com/gravitational/sshmonitor/lib/transport"
)

var (
	app        = kingpin.New("sshd-monitor", "Privileged RPC server for the privilege-separated SSH daemon.")
	configPath = app.Flag("config", "Path to the daemon's YAML configuration file.").Default("/etc/sshmonitor/config.yaml").String()
	rpcFD      = app.Flag("rpc-fd", "File descriptor number of the inherited RPC socket.").Default("3").Int()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := logrus.StandardLogger()

	if err := run(log); err != nil {
		log.WithError(err).Error("monitor exiting")
		os.Exit(1)
	}
}

func run(log logrus.FieldLogger) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	hostKeys, err := hostkey.Load(cfg.HostKeyPaths)
	if err != nil {
		return err
	}

	rpcFile := os.NewFile(uintptr(*rpcFD), "sshmonitor-rpc")
	endpoint, err := transport.FromFile(rpcFile)
	if err != nil {
		return err
	}
	defer endpoint.Close()

	srv := monitor.New(endpoint, hostKeys, policy.LocalPolicy{}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("systemd readiness notification failed")
	} else if sent {
		log.Debug("notified systemd readiness")
	}

	return srv.Process(ctx)
}
