package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/tessenger/pkg/client"
	"github.com/aeolun/tessenger/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

type account struct {
	username string
	password string
}

// loadAccounts reads plaintext "user pass" lines. Hashed entries cannot be
// used to log in and are skipped.
func loadAccounts(path string) ([]account, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var accounts []account
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 || strings.HasPrefix(fields[0], "#") || strings.HasPrefix(fields[1], "$2") {
			continue
		}
		accounts = append(accounts, account{username: fields[0], password: fields[1]})
	}
	return accounts, scanner.Err()
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesFailed    atomic.Int64
	messagesReceived  atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64

	// Detailed failure tracking
	offlineFailures atomic.Int64
	timeouts        atomic.Int64
	disconnections  atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesSent.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordOffline() {
	s.messagesFailed.Add(1)
	s.offlineFailures.Add(1)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.messagesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (sent, failed, connErrors int64, avgResponseUs float64) {
	sent = s.messagesSent.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if sent > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(sent)
	}
	return
}

// BotClient is a scripted user sending direct messages to other bots
type BotClient struct {
	id    int
	acct  account
	peers []string
	conn  *client.Connection
	stats *Stats
}

func NewBotClient(id int, serverAddr string, acct account, peers []string, stats *Stats) (*BotClient, error) {
	conn, err := client.NewConnection(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	return &BotClient{id: id, acct: acct, peers: peers, conn: conn, stats: stats}, nil
}

// Login connects and logs in. Bots never receive files, so the announced
// data-channel port is nominal.
func (bc *BotClient) Login() error {
	if err := bc.conn.Connect(); err != nil {
		return err
	}

	c := client.NewClient(bc.conn, nil, 40000+bc.id%20000)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := c.Login(ctx, bc.acct.username, bc.acct.password)
	if err != nil {
		if errors.Is(err, client.ErrLoginRejected) {
			return fmt.Errorf("login %s: %s", bc.acct.username, reply)
		}
		return err
	}
	return nil
}

func (bc *BotClient) SendRandomMessage() error {
	recipient := bc.peers[rand.Intn(len(bc.peers))]

	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}

	start := time.Now()
	msg := &protocol.MsgTo{Sender: bc.acct.username, Recipient: recipient, Content: strings.Join(words, " ")}
	if err := bc.conn.Send(msg); err != nil {
		bc.stats.recordDisconnection()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Deliveries from other bots interleave with the acknowledgement
	for {
		reply, err := bc.conn.Await(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				bc.stats.recordTimeout()
			} else {
				bc.stats.recordDisconnection()
			}
			return err
		}

		switch reply.Kind {
		case protocol.KindMsgReceive, protocol.KindGroupMsgReceive:
			bc.stats.messagesReceived.Add(1)
		case protocol.KindMsgSent:
			bc.stats.recordSuccess(time.Since(start).Microseconds())
			return nil
		default:
			bc.stats.recordOffline()
			return fmt.Errorf("%s", reply.Body)
		}
	}
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer bc.conn.Close()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.SendRandomMessage(); err != nil && !bc.conn.IsConnected() {
			return
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}

	bc.conn.Send(&protocol.Logout{Username: bc.acct.username})
	// Give server time to process the logout before closing
	time.Sleep(100 * time.Millisecond)
}

func main() {
	serverAddr := flag.String("server", "localhost:6470", "Server address (host:port or ws:// URL)")
	credentialsPath := flag.String("credentials", "credentials.txt", "Credentials file with plaintext accounts for the bots")
	numClients := flag.Int("clients", 10, "Number of concurrent clients (capped at the number of accounts)")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between messages")
	flag.Parse()

	accounts, err := loadAccounts(*credentialsPath)
	if err != nil {
		log.Fatalf("Failed to load accounts: %v", err)
	}
	if *numClients > len(accounts) {
		*numClients = len(accounts)
	}
	if *numClients < 2 {
		log.Fatalf("Need at least 2 plaintext accounts in %s, found %d", *credentialsPath, len(accounts))
	}
	accounts = accounts[:*numClients]

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	var stopOnce sync.Once
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d received, %d failed, %d conn errors, avg %.2fms",
					sent, float64(sent)/elapsed, stats.messagesReceived.Load(), failed, connErrors, avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	for i, acct := range accounts {
		var peers []string
		for _, other := range accounts {
			if other.username != acct.username {
				peers = append(peers, other.username)
			}
		}

		wg.Add(1)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, acct account, peers []string, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, acct, peers, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			if err := bot.Login(); err != nil {
				log.Printf("[Bot %d] %v", id, err)
				stats.connectionErrors.Add(1)
				return
			}

			if id%100 == 0 {
				log.Printf("[Bot %d] Logged in as %s", id, acct.username)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay)
		}(i, acct, peers, shutdownDelay)

		time.Sleep(staggerDelay)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping stats...")
		stopOnce.Do(func() { close(stopStats) })
	}()

	wg.Wait()
	stopOnce.Do(func() { close(stopStats) })

	sent, failed, connErrors, avgUs := stats.snapshot()
	rate := float64(sent) / duration.Seconds()

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", *duration)
	log.Printf("Messages sent: %d (%.1f/s)", sent, rate)
	log.Printf("Messages received: %d", stats.messagesReceived.Load())
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Recipient offline: %d", stats.offlineFailures.Load())
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Average response time: %.2fms", avgUs/1000.0)

	if sent > 0 {
		log.Printf("Success rate: %.1f%%", float64(sent)/float64(sent+failed)*100)
	}
}
