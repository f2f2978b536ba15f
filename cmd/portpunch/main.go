// portpunch is a UPnP IGD port mapping tool: it discovers the NAT gateway
// over SSDP and drives WANPPPConnection port forwarding from the CLI.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/portpunch/portpunch/internal/config"
	"github.com/portpunch/portpunch/internal/control"
	"github.com/portpunch/portpunch/internal/metrics"
	"github.com/portpunch/portpunch/internal/svc"
	"github.com/portpunch/portpunch/internal/upnp"
	"github.com/portpunch/portpunch/internal/upnp/transport"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile    string
	logLevel   string
	socketPath string

	// add flags
	localIPFlag   string
	localPortFlag uint16
	remotePort    uint16

	// polling flags
	pollTimeout time.Duration

	// service flags
	serviceUser  string
	forceInstall bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "portpunch",
		Short: "portpunch - UPnP gateway port mapping",
		Long: `Portpunch discovers the local NAT gateway over SSDP and manages
TCP port forwarding rules on it via UPnP.

Run the daemon, then drive it from the CLI:

  portpunch daemon &
  portpunch scan
  portpunch add --local-port 8080 --remote-port 9876
  portpunch external-ip

The daemon performs the protocol work; CLI commands talk to it over the
control socket and poll until the gateway answers.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", control.DefaultSocketPath(), "control socket path")

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the portpunch daemon",
		RunE:  runDaemonCmd,
	}
	rootCmd.AddCommand(daemonCmd)

	beginCmd := &cobra.Command{
		Use:   "begin",
		Short: "Reset the daemon's gateway session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().Begin()
		},
	}
	rootCmd.AddCommand(beginCmd)

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Discover the gateway and print its address",
		RunE:  runScan,
	}
	scanCmd.Flags().DurationVar(&pollTimeout, "timeout", 10*time.Second, "how long to wait for the gateway")
	rootCmd.AddCommand(scanCmd)

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Forward a TCP port on the gateway to this host",
		RunE:  runAdd,
	}
	addCmd.Flags().StringVar(&localIPFlag, "local-ip", "", "local address to forward to (default: autodetect)")
	addCmd.Flags().Uint16Var(&localPortFlag, "local-port", 0, "local TCP port (required)")
	addCmd.Flags().Uint16Var(&remotePort, "remote-port", 0, "external TCP port on the gateway (required)")
	addCmd.Flags().DurationVar(&pollTimeout, "timeout", 10*time.Second, "how long to wait for completion")
	_ = addCmd.MarkFlagRequired("local-port")
	_ = addCmd.MarkFlagRequired("remote-port")
	rootCmd.AddCommand(addCmd)

	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a forwarded TCP port from the gateway",
		RunE:  runRemove,
	}
	removeCmd.Flags().Uint16Var(&remotePort, "remote-port", 0, "external TCP port on the gateway (required)")
	removeCmd.Flags().DurationVar(&pollTimeout, "timeout", 10*time.Second, "how long to wait for completion")
	_ = removeCmd.MarkFlagRequired("remote-port")
	rootCmd.AddCommand(removeCmd)

	externalCmd := &cobra.Command{
		Use:   "external-ip",
		Short: "Query the gateway's external IP address",
		RunE:  runExternal,
	}
	externalCmd.Flags().DurationVar(&pollTimeout, "timeout", 10*time.Second, "how long to wait for the answer")
	rootCmd.AddCommand(externalCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's engine state",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := newClient().Status()
			if err != nil {
				return err
			}
			fmt.Printf("state:   %s\n", status.State)
			if status.Gateway != "" {
				fmt.Printf("gateway: %s\n", status.Gateway)
			}
			return nil
		},
	}
	rootCmd.AddCommand(statusCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("portpunch %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(newServiceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newClient() *control.Client {
	return control.NewClient(socketPath)
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

func runDaemonCmd(cmd *cobra.Command, args []string) error {
	// Under a service manager, hand control to it; interactively, run
	// straight through.
	if !svc.Interactive() {
		prg := &svc.Program{ConfigPath: cfgFile, RunDaemon: runDaemon}
		return svc.Run(prg, serviceConfig())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runDaemon(ctx, cfgFile)
}

func runDaemon(ctx context.Context, configPath string) error {
	cfgFile = configPath
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	setupLogging(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("portpunch daemon starting")

	em := metrics.InitMetrics()

	tr := transport.New(transport.Config{MulticastAddress: cfg.UPnP.MulticastAddress})
	defer tr.Close()

	engine := upnp.New(upnp.Config{
		Transport:      tr,
		UserAgent:      cfg.UPnP.UserAgent,
		MaxRetransmits: cfg.UPnP.Retransmits,
		Observers:      []upnp.Observer{em.Observer()},
	})

	sockPath := cfg.Socket
	if socketPath != control.DefaultSocketPath() {
		sockPath = socketPath
	}
	srv := control.NewServer(sockPath, engine)
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Listen)
	}

	engine.Run(ctx)
	log.Info().Msg("portpunch daemon stopped")
	return nil
}

func serveMetrics(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	log.Info().Str("listen", listen).Msg("metrics listening")
	if err := http.ListenAndServe(listen, mux); err != nil {
		log.Error().Err(err).Msg("metrics server failed")
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	client := newClient()
	deadline := time.Now().Add(pollTimeout)

	for {
		resp, err := client.Scan()
		if err != nil {
			return err
		}
		if resp.Value != 0 {
			fmt.Println(resp.Address)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no gateway found within %s", pollTimeout)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func runAdd(cmd *cobra.Command, args []string) error {
	localIP := localIPFlag
	if localIP == "" {
		detected, err := detectLocalIP()
		if err != nil {
			return fmt.Errorf("detect local address (use --local-ip): %w", err)
		}
		localIP = detected
	}

	client := newClient()
	resp, err := client.AddPort(localIP, localPortFlag, remotePort)
	if err != nil {
		return err
	}
	if resp.Value == control.ValueRejected {
		return fmt.Errorf("mapping rejected: %s (run scan first)", resp.Detail)
	}

	if err := waitReady(client); err != nil {
		return err
	}
	fmt.Printf("mapped %s:%d <- gateway:%d\n", localIP, localPortFlag, remotePort)
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	client := newClient()
	resp, err := client.RemovePort(remotePort)
	if err != nil {
		return err
	}
	if resp.Value == control.ValueRejected {
		return fmt.Errorf("removal rejected: %s (run scan first)", resp.Detail)
	}

	if err := waitReady(client); err != nil {
		return err
	}
	fmt.Printf("removed gateway:%d\n", remotePort)
	return nil
}

func runExternal(cmd *cobra.Command, args []string) error {
	client := newClient()
	deadline := time.Now().Add(pollTimeout)

	for {
		resp, err := client.ExternalAddress()
		if err != nil {
			return err
		}
		if resp.Value == control.ValueRejected {
			return fmt.Errorf("query rejected: %s (run scan first)", resp.Detail)
		}
		if resp.Value != 0 {
			fmt.Println(resp.Address)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no answer within %s", pollTimeout)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// waitReady polls the daemon until the in-flight operation completes.
func waitReady(client *control.Client) error {
	deadline := time.Now().Add(pollTimeout)
	for {
		status, err := client.Status()
		if err != nil {
			return err
		}
		if status.State == "ready" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("operation did not complete within %s (state %s)", pollTimeout, status.State)
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// detectLocalIP finds the local address that routes toward the LAN by
// opening a connectionless UDP socket at the SSDP group.
func detectLocalIP() (string, error) {
	conn, err := net.Dial("udp4", upnp.SSDPMulticastAddress)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return "", fmt.Errorf("no local address")
	}
	return addr.IP.String(), nil
}

func serviceConfig() *svc.ServiceConfig {
	configPath := cfgFile
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}
	return &svc.ServiceConfig{
		Name:        svc.DefaultServiceName(),
		DisplayName: svc.DefaultDisplayName(),
		Description: svc.DefaultDescription(),
		ConfigPath:  configPath,
		UserName:    serviceUser,
	}
}

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the portpunch system service",
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install portpunch as a system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.Install(serviceConfig(), forceInstall); err != nil {
				return err
			}
			fmt.Println("service installed")
			return nil
		},
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "user to run the service as")
	installCmd.Flags().BoolVar(&forceInstall, "force", false, "reinstall if already installed")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the portpunch system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.Uninstall(serviceConfig()); err != nil {
				return err
			}
			fmt.Println("service uninstalled")
			return nil
		},
	})

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the portpunch service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Start(serviceConfig())
		},
	})

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the portpunch service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Stop(serviceConfig())
		},
	})

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "restart",
		Short: "Restart the portpunch service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Restart(serviceConfig())
		},
	})

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the portpunch service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := svc.Status(serviceConfig())
			if err != nil {
				return err
			}
			fmt.Println(svc.StatusString(status))
			return nil
		},
	})

	return serviceCmd
}
