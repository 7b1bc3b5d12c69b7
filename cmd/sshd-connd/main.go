// Command sshd-connd is the unprivileged half of the privilege-separated
// SSH daemon. It accepts TCP connections, forks a dedicated sshd-monitor
// child per connection (handing it one end of a fresh RPC socket pair),
// and drives the SSH session itself with the lower privileges of its own
// process, asking the monitor to perform anything that needs the host's
// private key or the ability to become another user.
package main

import (
	"context"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/sshmonitor/internal/config"
	"github.com/gravitational/sshmonitor/lib/authproc"
	"github.com/gravitational/sshmonitor/lib/transport"
)

var (
	app         = kingpin.New("sshd-connd", "Unprivileged connection daemon for the privilege-separated SSH daemon.")
	configPath  = app.Flag("config", "Path to the daemon's YAML configuration file.").Default("/etc/sshmonitor/config.yaml").String()
	monitorPath = app.Flag("monitor-path", "Path to the sshd-monitor binary to fork per connection.").Default("/usr/libexec/sshd-monitor").String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := logrus.StandardLogger()

	if err := run(log); err != nil {
		log.WithError(err).Error("connection daemon exiting")
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

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer listener.Close()
	log.WithField("addr", cfg.ListenAddr).Info("listening for ssh connections")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go handleConnection(ctx, conn, log)
	}
}

// handleConnection forks a dedicated monitor process for conn, then drives
// the SSH session. Deriving an sshconn.ProtocolConn from conn's raw bytes —
// framing, cipher negotiation, key exchange — requires a concrete SSH wire
// protocol engine, which this core treats as an external dependency not
// included here; see lib/sshconn's ProtocolConn interface for the seam a
// production build plugs one into.
func handleConnection(ctx context.Context, conn net.Conn, log logrus.FieldLogger) {
	defer conn.Close()

	connID := uuid.NewString()
	connLog := log.WithField("conn_id", connID).WithField("remote_addr", conn.RemoteAddr().String())

	client, cleanup, err := spawnMonitor(connLog)
	if err != nil {
		connLog.WithError(err).Error("failed to start monitor for connection")
		return
	}
	defer cleanup()

	connLog.Info("monitor ready, awaiting protocol engine wiring for this connection")
	_ = client
}

// spawnMonitor forks the sshd-monitor binary, handing it the privileged end
// of a fresh RPC socket pair across exec, and returns an authproc.Client
// bound to the other end plus a cleanup function that waits for the child
// and closes the client.
func spawnMonitor(log logrus.FieldLogger) (*authproc.Client, func(), error) {
	connEnd, monitorEnd, err := transport.NewPair()
	if err != nil {
		return nil, nil, err
	}

	monitorFile, err := monitorEnd.File()
	if err != nil {
		connEnd.Close()
		monitorEnd.Close()
		return nil, nil, err
	}

	cmd := exec.Command(*monitorPath, "--rpc-fd=3")
	cmd.ExtraFiles = []*os.File{monitorFile}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		connEnd.Close()
		monitorEnd.Close()
		monitorFile.Close()
		return nil, nil, err
	}
	monitorEnd.Close()
	monitorFile.Close()

	log.WithField("pid", cmd.Process.Pid).Debug("spawned monitor process")

	client := authproc.New(connEnd)
	cleanup := func() {
		client.Close()
		if err := cmd.Wait(); err != nil {
			log.WithError(err).Debug("monitor process exited with error")
		}
	}
	return client, cleanup, nil
}
