package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/aeolun/tessenger/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [SERVER_PORT MAX_INVALID_ATTEMPTS]\n", os.Args[0])
		flag.PrintDefaults()
	}

	configPath := flag.String("config", "~/.tessenger/config.toml", "Path to config file")
	var flags overrides
	flag.IntVar(&flags.port, "port", -1, "TCP port to listen on (overrides config)")
	flag.IntVar(&flags.maxAttempts, "max-attempts", -1, "Consecutive failed logins before lockout, 1-5 (overrides config)")
	flag.StringVar(&flags.credentialsPath, "credentials", "", "Path to credentials file (overrides config)")
	flag.StringVar(&flags.dbPath, "db", "", "Path to SQLite audit database (overrides config)")
	flag.IntVar(&flags.httpPort, "http-port", -1, "HTTP port for /ws, /metrics and /health, 0 disables (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("Tessenger Server %s\n", Version)
		os.Exit(0)
	}

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	serverConfig := config.ToServerConfig()

	// Positional SERVER_PORT MAX_INVALID_ATTEMPTS, as accepted by the
	// original command line
	switch args := flag.Args(); len(args) {
	case 0:
	case 2:
		p, err := strconv.Atoi(args[0])
		if err != nil {
			log.Fatalf("Invalid SERVER_PORT %q", args[0])
		}
		serverConfig.TCPPort = p
		n, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("Invalid value for MAX_INVALID_ATTEMPTS %q. Please provide an integer value.", args[1])
		}
		serverConfig.MaxInvalidAttempts = n
	default:
		flag.Usage()
		os.Exit(2)
	}

	// Command-line flags override config file
	flags.apply(&serverConfig)

	srv, err := server.NewServer(serverConfig)
	if err != nil {
		if errors.Is(err, server.ErrInvalidAttempts) {
			log.Fatalf("Invalid number of allowed failed consecutive attempts: %d. The valid value is an integer between 1 and 5", serverConfig.MaxInvalidAttempts)
		}
		log.Fatalf("Failed to create server: %v", err)
	}

	srv.SetMetrics(server.NewMetrics(prometheus.DefaultRegisterer))

	if *debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	log.Printf("Config: %s (using defaults if not found)", *configPath)
	log.Printf("Credentials: %s", serverConfig.CredentialsPath)
	log.Printf("Database: %s", serverConfig.DatabasePath)

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("Tessenger server %s started successfully", Version)
	log.Printf("Max invalid attempts: %d (lock %s)", serverConfig.MaxInvalidAttempts, serverConfig.LockDuration)
	log.Printf("Available connection methods:")
	log.Printf("  - Control channel (TCP): %s", srv.Addr())
	if serverConfig.HTTPPort > 0 {
		log.Printf("  - WebSocket: port %d (ws://server:%d/ws)", serverConfig.HTTPPort, serverConfig.HTTPPort)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}

// overrides holds the command-line settings. Numeric flags use -1 for
// "not given" so an explicit 0 still reaches validation.
type overrides struct {
	port            int
	maxAttempts     int
	httpPort        int
	credentialsPath string
	dbPath          string
}

func (o overrides) apply(cfg *server.ServerConfig) {
	if o.port >= 0 {
		cfg.TCPPort = o.port
	}
	if o.maxAttempts >= 0 {
		cfg.MaxInvalidAttempts = o.maxAttempts
	}
	if o.httpPort >= 0 {
		cfg.HTTPPort = o.httpPort
	}
	if o.credentialsPath != "" {
		cfg.CredentialsPath = o.credentialsPath
	}
	if o.dbPath != "" {
		cfg.DatabasePath = o.dbPath
	}
}
