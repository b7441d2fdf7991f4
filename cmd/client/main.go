package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aeolun/tessenger/pkg/client"
	"github.com/aeolun/tessenger/pkg/client/ui"
	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	configPath := flag.String("config", client.DefaultConfigPath(), "Path to config file")
	serverAddr := flag.String("server", "", "Server address: host:port, tcp://, ws:// or wss:// (overrides config)")
	udpPort := flag.Int("udp-port", -1, "Local UDP port for receiving files (overrides config)")
	downloadDir := flag.String("dir", "", "Directory received files are written to (overrides config)")
	debug := flag.Bool("debug", false, "Log connection and transfer events to stderr")
	quiet := flag.Bool("quiet", false, "Disable desktop notifications")
	flag.Parse()

	config, err := client.LoadClientConfig(*configPath)
	if err != nil {
		var cfgErr *client.ConfigError
		if errors.As(err, &cfgErr) {
			log.Fatalf("Config error in %s: %v", cfgErr.Path, cfgErr)
		}
		log.Fatalf("Failed to load config: %v", err)
	}

	addr := config.GetServerAddress()
	port := config.Connection.UDPPort

	// Positional SERVER_IP SERVER_PORT CLIENT_UDP_PORT, as accepted by the
	// original command line
	switch args := flag.Args(); len(args) {
	case 0:
	case 3:
		addr = net.JoinHostPort(args[0], args[1])
		p, err := strconv.Atoi(args[2])
		if err != nil {
			log.Fatalf("Invalid CLIENT_UDP_PORT %q", args[2])
		}
		port = p
	default:
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [SERVER_IP SERVER_PORT CLIENT_UDP_PORT]\n", os.Args[0])
		os.Exit(2)
	}

	if *serverAddr != "" {
		addr = *serverAddr
	}
	if *udpPort >= 0 {
		port = *udpPort
	}
	if *downloadDir != "" {
		config.Transfer.DownloadDir = *downloadDir
	}
	dir, err := config.GetDownloadDir()
	if err != nil {
		log.Fatalf("Failed to resolve download directory: %v", err)
	}

	var logger *log.Logger
	if *debug {
		logger = log.New(os.Stderr, "DEBUG: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	}

	udp, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Fatalf("Failed to open UDP port %d: %v", port, err)
	}
	defer udp.Close()
	port = udp.LocalAddr().(*net.UDPAddr).Port

	conn, err := client.NewConnection(addr)
	if err != nil {
		log.Fatalf("Invalid server address: %v", err)
	}
	conn.SetLogger(logger)
	if err := conn.Connect(); err != nil {
		log.Fatalf("Failed to connect to %s: %v", addr, err)
	}
	defer conn.Close()

	sender := client.NewSender(udp, config.Pace())
	sender.SetLogger(logger)
	c := client.NewClient(conn, sender, port)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	receiver := client.NewReceiver(udp, dir)
	receiver.SetLogger(logger)
	go func() {
		if err := receiver.Run(ctx); err != nil && logger != nil {
			logger.Printf("Data channel error: %v", err)
		}
	}()

	var notifier ui.Notifier = ui.DesktopNotifier{}
	if *quiet {
		notifier = ui.NoopNotifier{}
	}

	model := ui.NewModel(ctx, c, conn, receiver.Results(), notifier)
	final, err := tea.NewProgram(model, tea.WithContext(ctx)).Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		log.Fatalf("Client error: %v", err)
	}

	if m, ok := final.(ui.Model); ok && m.LoggedOut() {
		// Give the logout a moment to reach the server
		select {
		case <-conn.Done():
		case <-time.After(2 * time.Second):
		}
	}
}
