// Command dccbot is the process entrypoint: it loads configuration,
// starts one ircsession.Session per configured server, and serves the
// HTTP/WebSocket control plane described in spec.md §6. The CLI surface
// is built on github.com/spf13/cobra (SPEC_FULL.md §6's addition),
// grounded on teal33t-Surge's cmd/root.go — a root run command plus a
// version subcommand — replacing the teacher's bare flag-package
// daemonizing entrypoint (cmd/rnexus/main.go's double-fork/self-re-exec
// dance has no equivalent here: an HTTP-fronted service is expected to
// be supervised by systemd or a container runtime, not by forking
// itself, so only its PID-file habit survives, in writePIDFile below).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dccbot/dccbot/internal/botlog"
	"github.com/dccbot/dccbot/internal/config"
	"github.com/dccbot/dccbot/internal/controlplane"
	"github.com/dccbot/dccbot/internal/metrics"
	"github.com/dccbot/dccbot/internal/supervisor"
)

// Version information, set at build time via ldflags, mirroring the
// teacher's cmd/rnexus version variables.
var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var addr string
	var advertiseIP string

	root := &cobra.Command{
		Use:     "dccbot",
		Short:   "An automated IRC XDCC download client",
		Long:    "dccbot maintains IRC sessions to XDCC servers, requests packs on an operator's behalf, and ingests DCC transfers, exposing an HTTP/WebSocket control plane for join/part/msg/cancel and live telemetry.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, addr, advertiseIP)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "./config.json", "path to config.json")
	root.Flags().StringVar(&addr, "addr", ":8080", "control-plane HTTP bind address")
	root.Flags().StringVar(&advertiseIP, "advertise-ip", "", "IP address to advertise for passive (reverse) DCC offers; defaults to the local address of the outbound route")
	root.SetVersionTemplate("dccbot version {{.Version}}\n")
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dccbot version %s\n", version)
			fmt.Printf("Built: %s\n", buildDate)
			fmt.Printf("Commit: %s\n", gitCommit)
		},
	}
}

func run(configPath, addr, advertiseIP string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dccbot: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DownloadPath, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "dccbot: creating download path: %v\n", err)
		os.Exit(1)
	}

	if err := writePIDFile(); err != nil {
		botlogFallback("could not write PID file: %v", err)
	}

	listenIP := net.ParseIP(advertiseIP)
	if listenIP == nil {
		listenIP = resolveAdvertiseIP(addr)
	}

	log := botlog.NewRing()
	sup := supervisor.New(cfg, log, listenIP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "dccbot: %v\n", err)
		os.Exit(1)
	}

	collector := metrics.New(sup.Registry(), sup.SessionCount)
	cp := controlplane.New(sup, log, "./static", func() { cancel() }, collector)

	httpServer := &http.Server{Addr: addr, Handler: cp.Router()}
	go func() {
		log.Infof("control plane listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("control plane: %v", err)
			os.Exit(2)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received signal %v, shutting down", sig)
	case <-ctx.Done():
		log.Infof("shutdown requested via control plane")
	}

	cancel()
	sup.Shutdown(30 * time.Second)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	return nil
}

// resolveAdvertiseIP dials out to infer a routable local address when the
// operator hasn't supplied --advertise-ip, so passive DCC counter-offers
// (spec.md §4.2) carry an address peers can actually reach. addr is not
// consulted: the address is the local end of a UDP socket connected to
// 1.1.1.1:80, and connecting a UDP socket sends no packets.
func resolveAdvertiseIP(addr string) net.IP {
	conn, err := net.Dial("udp", "1.1.1.1:80")
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}

// writePIDFile records the running process's PID, a habit carried over
// from the teacher's cmd/rnexus/main.go.
func writePIDFile() error {
	return os.WriteFile("pid.txt", []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// botlogFallback logs a startup diagnostic that occurs before the
// botlog.Ring exists yet.
func botlogFallback(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "dccbot: "+format+"\n", args...)
}
