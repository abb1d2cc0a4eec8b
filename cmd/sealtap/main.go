package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/httpseal/sealtap/internal/config"
	"github.com/httpseal/sealtap/pkg/capture"
	"github.com/httpseal/sealtap/pkg/cert"
	"github.com/httpseal/sealtap/pkg/dns"
	"github.com/httpseal/sealtap/pkg/logger"
	"github.com/httpseal/sealtap/pkg/mirror"
	"github.com/httpseal/sealtap/pkg/namespace"
	"github.com/httpseal/sealtap/pkg/proxy"
)

const (
	version = "0.1.0"

	shutdownTimeout = 5 * time.Second
	processGrace    = 2 * time.Second
)

var (
	configFile string

	// Recording
	level     int
	outputDir string

	// Proxy and certificates
	listenAddr string
	caDir      string
	keepCA     bool
	insecure   bool
	timeout    int

	// Transparent interception
	transparent bool
	dnsIP       string
	dnsPort     int
	httpsPort   int
	enableHTTP  bool
	httpPort    int

	// SOCKS5 upstream
	socks5Enabled  bool
	socks5Address  string
	socks5Username string
	socks5Password string

	// Wireshark mirror
	enableMirror bool
	mirrorPort   int

	// Console output
	verbose bool
	quiet   bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "sealtap [flags] [-- <command> [args...]]",
		Short: "sealtap - leveled HTTP/WebSocket activity recorder",
		Long: `sealtap sits between clients and servers as an intercepting proxy and
records what it sees at a chosen level of detail:

  1  request and response metadata
  2  plus body sizes and previews
  3  plus per-URL performance metrics
  4  plus WebSocket messages

Recording stops on SIGINT or SIGTERM; the session is then written to
<output-dir>/<session-id>/ as JSON artifacts. SIGHUP re-reads the config
file and applies its level to new traffic, unless --level was given on the
command line.

Examples:
  # Record metadata through an explicit proxy on 127.0.0.1:8080
  sealtap
  curl -x http://127.0.0.1:8080 --cacert <ca-dir>/ca.crt https://api.github.com

  # Record everything, including WebSocket messages
  sealtap --level 4 --ca-dir ./ca --keep-ca

  # Transparent mode: DNS maps domains to loopback addresses
  sudo sealtap --transparent --level 3 --enable-http

  # Record one process; the session ends when it exits
  sudo sealtap --transparent --level 2 -- curl https://api.github.com/users/octocat

  # Replay decrypted exchanges as plain HTTP on 127.0.0.1:8081 for Wireshark
  sealtap --enable-mirror

  # Export a finished session as HAR
  sealtap har sealtap-sessions/20261019_140509 -o session.har`,
		Version:       version,
		Args:          cobra.ArbitraryArgs,
		RunE:          runRecord,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file, JSON or YAML (default: "+config.GetDefaultConfigPath()+")")

	// Recording
	rootCmd.Flags().IntVarP(&level, "level", "l", config.DefaultLevel, "Capture level 1-4")
	rootCmd.Flags().StringVarP(&outputDir, "output-dir", "o", config.DefaultOutputDir, "Directory receiving session directories")

	// Proxy and certificates
	rootCmd.Flags().StringVar(&listenAddr, "listen", config.DefaultListenAddr, "Explicit proxy listen address")
	rootCmd.Flags().StringVar(&caDir, "ca-dir", "", "Certificate authority directory (default: auto-generated temp dir)")
	rootCmd.Flags().BoolVar(&keepCA, "keep-ca", false, "Keep CA directory after exit (useful for debugging or reuse)")
	rootCmd.Flags().BoolVarP(&insecure, "insecure", "k", false, "Skip upstream certificate verification")
	rootCmd.Flags().IntVar(&timeout, "connection-timeout", config.DefaultConnectionTimeout, "Upstream and idle client timeout in seconds")

	// Transparent interception
	rootCmd.Flags().BoolVar(&transparent, "transparent", false, "Also run the DNS-mapped transparent interceptor")
	rootCmd.Flags().StringVar(&dnsIP, "dns-ip", config.DefaultDNSIP, "DNS server IP address")
	rootCmd.Flags().IntVar(&dnsPort, "dns-port", config.DefaultDNSPort, "DNS server port")
	rootCmd.Flags().IntVar(&httpsPort, "https-port", config.DefaultHTTPSPort, "Transparent HTTPS port")
	rootCmd.Flags().BoolVar(&enableHTTP, "enable-http", false, "Also intercept plain HTTP in transparent mode")
	rootCmd.Flags().IntVar(&httpPort, "http-port", config.DefaultHTTPPort, "Transparent HTTP port")

	// SOCKS5 upstream
	rootCmd.Flags().BoolVar(&socks5Enabled, "socks5", false, "Send upstream connections through a SOCKS5 proxy")
	rootCmd.Flags().StringVar(&socks5Address, "socks5-addr", config.DefaultSOCKS5Address, "SOCKS5 proxy address")
	rootCmd.Flags().StringVar(&socks5Username, "socks5-user", "", "SOCKS5 username")
	rootCmd.Flags().StringVar(&socks5Password, "socks5-pass", "", "SOCKS5 password")

	// Wireshark mirror
	rootCmd.Flags().BoolVar(&enableMirror, "enable-mirror", false, "Enable HTTP mirror server for Wireshark analysis")
	rootCmd.Flags().IntVar(&mirrorPort, "mirror-port", config.DefaultMirrorPort, "HTTP mirror server port for Wireshark capture")

	// Console output
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress console output")

	rootCmd.AddCommand(newHARCommand(), newInspectCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig builds the effective configuration: flags first, then the
// config file for anything left at its default
func loadConfig(args []string) (*config.Config, error) {
	cfg := &config.Config{
		Level:             level,
		OutputDir:         outputDir,
		ListenAddr:        listenAddr,
		CADir:             caDir,
		KeepCA:            keepCA,
		Transparent:       transparent,
		DNSIP:             dnsIP,
		DNSPort:           dnsPort,
		HTTPSPort:         httpsPort,
		EnableHTTP:        enableHTTP,
		HTTPPort:          httpPort,
		Insecure:          insecure,
		ConnectionTimeout: timeout,
		SOCKS5Enabled:     socks5Enabled,
		SOCKS5Address:     socks5Address,
		SOCKS5Username:    socks5Username,
		SOCKS5Password:    socks5Password,
		EnableMirror:      enableMirror,
		MirrorPort:        mirrorPort,
		Verbose:           verbose,
		Quiet:             quiet,
		ConfigFile:        configFile,
	}
	if len(args) > 0 {
		cfg.Command = args[0]
		cfg.CommandArgs = args[1:]
	}
	if cfg.ConfigFile == "" {
		cfg.ConfigFile = config.GetDefaultConfigPath()
	}

	fileConfig, err := config.LoadConfigFile(cfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	cfg.MergeWithFileConfig(fileConfig)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	started := time.Now()
	sessionID := capture.NewSessionID(started)
	sessionDir := filepath.Join(cfg.OutputDir, sessionID)

	log, err := logger.NewSession(sessionDir, cfg.Verbose, cfg.Quiet)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	log.Info("Starting sealtap v%s, session %s at level %s", version, sessionID, capture.Level(cfg.Level))

	storage, err := capture.NewDirStorage(sessionDir)
	if err != nil {
		return err
	}
	recorder, err := capture.NewRecorder(capture.Options{
		Level:     capture.Level(cfg.Level),
		Storage:   storage,
		Logger:    log,
		SessionID: sessionID,
	})
	if err != nil {
		return err
	}

	// Determine CA directory (use temp dir if not specified)
	effectiveCADir := cfg.CADir
	if effectiveCADir == "" {
		tempDir, err := os.MkdirTemp("", cert.TempDirPrefix+"*")
		if err != nil {
			return fmt.Errorf("failed to create temporary CA directory: %w", err)
		}
		effectiveCADir = tempDir
	}

	ca, err := cert.NewCA(effectiveCADir, log)
	if err != nil {
		return fmt.Errorf("failed to initialize CA: %w", err)
	}
	defer func() {
		// Temp directories always go; user directories unless --keep-ca
		if err := ca.Cleanup(cfg.CADir != "" && !cfg.KeepCA); err != nil {
			log.Error("Failed to cleanup CA directory: %v", err)
		}
	}()
	log.Info("Clients must trust %s", ca.CertPath())

	var observer capture.Observer = recorder
	if cfg.EnableMirror {
		mirrorServer := mirror.NewServer(cfg.MirrorPort, log)
		if err := mirrorServer.Start(); err != nil {
			return fmt.Errorf("failed to start mirror server: %w", err)
		}
		defer mirrorServer.Stop()
		observer = capture.Observers{recorder, mirrorServer}
	}

	opts := proxy.Options{
		Observer: observer,
		CA:       ca,
		Logger:   log,
		Insecure: cfg.Insecure,
		Timeout:  time.Duration(cfg.ConnectionTimeout) * time.Second,
	}
	if cfg.SOCKS5Enabled {
		dial, err := proxy.SOCKS5Dialer(cfg.SOCKS5Address, cfg.SOCKS5Username, cfg.SOCKS5Password, opts.Timeout)
		if err != nil {
			return err
		}
		opts.Dial = dial
		log.Info("Upstream connections go through SOCKS5 proxy %s", cfg.SOCKS5Address)
	}
	p := proxy.New(opts)

	proxyServer := proxy.NewServer(cfg.ListenAddr, p)
	if err := proxyServer.Start(); err != nil {
		return fmt.Errorf("failed to start proxy: %w", err)
	}
	log.Info("Proxy listening on %s", proxyServer.Addr())

	var dnsServer *dns.Server
	var transparentServer *proxy.TransparentServer
	if cfg.Transparent {
		dnsServer = dns.NewServer(cfg.DNSIP, cfg.DNSPort, log)
		if err := dnsServer.Start(); err != nil {
			return fmt.Errorf("failed to start DNS server: %w", err)
		}

		plainPort := 0
		if cfg.EnableHTTP {
			plainPort = cfg.HTTPPort
		}
		transparentServer = proxy.NewTransparentServer(p, dnsServer, cfg.HTTPSPort, plainPort)
		if err := transparentServer.Start(); err != nil {
			dnsServer.Stop()
			return fmt.Errorf("failed to start transparent interceptor: %w", err)
		}
		log.Info("Transparent interceptor on %v, DNS on %s", transparentServer.Addrs(), dnsServer.Addr())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	// processDone stays nil without a command, so only signals end the session
	var nsWrapper *namespace.Wrapper
	var processDone chan error
	var processErr error
	if cfg.Command != "" {
		if cfg.DNSPort != 53 {
			log.Warn("resolv.conf cannot name a port; %s will not reach DNS on port %d", cfg.Command, cfg.DNSPort)
		}
		nsWrapper = namespace.NewWrapper(namespace.Options{
			Command:    cfg.Command,
			Args:       cfg.CommandArgs,
			DNSIP:      cfg.DNSIP,
			CACertPath: ca.CertPath(),
		}, log)
		processDone = make(chan error, 1)
		go func() {
			processDone <- nsWrapper.Execute()
		}()
	}

wait:
	for {
		select {
		case processErr = <-processDone:
			if processErr != nil {
				log.Error("Process execution failed: %v", processErr)
			} else {
				log.Info("Process completed successfully")
			}
			break wait
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				reloadLevel(cfg.ConfigFile, cmd.Flags().Changed("level"), recorder, log)
				continue
			}
			log.Info("Received signal %v, shutting down...", sig)
			if nsWrapper != nil {
				nsWrapper.Stop()
				select {
				case <-processDone:
				case <-time.After(processGrace):
					log.Warn("Forced termination after timeout")
				}
			}
			break wait
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if transparentServer != nil {
		if err := transparentServer.Stop(ctx); err != nil {
			log.Warn("Transparent interceptor shutdown: %v", err)
		}
		dnsServer.Stop()
	}
	if err := proxyServer.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn("Proxy shutdown: %v", err)
	}

	summary, err := recorder.Done()
	if err != nil {
		return err
	}
	log.Info("Session %s saved to %s (%d requests, %d responses, %s)",
		summary.SessionID, sessionDir, summary.TotalRequests, summary.TotalResponses, time.Since(started).Round(time.Second))
	return processErr
}

// reloadLevel re-reads the config file and applies its level to new traffic.
// An explicit --level wins over the file.
func reloadLevel(path string, pinned bool, recorder *capture.Recorder, log logger.Logger) {
	if pinned {
		log.Info("Level %s was set by --level, ignoring SIGHUP reload", recorder.Level())
		return
	}
	fileConfig, err := config.LoadConfigFile(path)
	if err != nil {
		log.Error("Failed to reload %s: %v", path, err)
		return
	}
	if fileConfig.Level == nil {
		log.Warn("Reloaded %s has no level, keeping %s", path, recorder.Level())
		return
	}

	cfg := config.Default()
	cfg.Level = *fileConfig.Level
	if err := cfg.Validate(); err != nil {
		log.Error("Ignoring reloaded level: %v", err)
		return
	}
	recorder.Configure(capture.Level(cfg.Level))
}
