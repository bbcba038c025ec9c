package main

import (
	"context"
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

	"github.com/aeolun/lanchat/pkg/client"
	"github.com/aeolun/lanchat/pkg/protocol"
	"github.com/google/uuid"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

// echoTimeout is how long a bot waits for its own message to come back
const echoTimeout = 10 * time.Second

// Stats tracks performance metrics
type Stats struct {
	messagesEchoed    atomic.Int64
	messagesFailed    atomic.Int64
	privatesSent      atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64

	sendFailures   atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
}

func (s *Stats) recordEcho(responseTimeUs int64) {
	s.messagesEchoed.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordSendFailure() {
	s.messagesFailed.Add(1)
	s.sendFailures.Add(1)
}

func (s *Stats) recordTimeouts(n int64) {
	s.messagesFailed.Add(n)
	s.timeouts.Add(n)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (echoed, failed, connErrors int64, avgResponseUs float64) {
	echoed = s.messagesEchoed.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if echoed > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(echoed)
	}

	return
}

// BotClient is a fake chat user. It tags every message it sends and times
// how long the server takes to echo it back.
type BotClient struct {
	id       int
	nickname string
	conn     *client.Client
	stats    *Stats

	mu      sync.Mutex
	pending map[string]time.Time
}

// botName derives a short unique username
func botName() string {
	return "bot-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

func NewBotClient(ctx context.Context, id int, serverAddr, password string, stats *Stats) (*BotClient, error) {
	nickname := botName()

	conn, err := client.Dial(ctx, serverAddr, client.Options{
		Password: password,
		Username: nickname,
	})
	if err != nil {
		stats.recordConnectionError()
		return nil, fmt.Errorf("failed to join as %s: %w", nickname, err)
	}

	return &BotClient{
		id:       id,
		nickname: nickname,
		conn:     conn,
		stats:    stats,
		pending:  make(map[string]time.Time),
	}, nil
}

// readLoop matches echoes against pending tokens until the connection ends
func (bc *BotClient) readLoop() {
	for env := range bc.conn.Messages() {
		if env.Sender != bc.nickname {
			continue
		}
		if env.Kind != protocol.KindBroadcast && env.Kind != protocol.KindPrivate {
			continue
		}

		token, _, ok := strings.Cut(env.Text, " ")
		if !ok {
			continue
		}

		bc.mu.Lock()
		sent, found := bc.pending[token]
		delete(bc.pending, token)
		bc.mu.Unlock()

		if found {
			bc.stats.recordEcho(time.Since(sent).Microseconds())
		}
	}

	if bc.conn.Err() != nil {
		bc.stats.recordDisconnection()
	}
}

func (bc *BotClient) PostRandomMessage() error {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	token := uuid.NewString()[:8]
	content := token + " " + strings.Join(words, " ")

	// 10% of messages go privately to a random other user; the sender
	// receives a copy either way
	target := ""
	if rand.Float32() < 0.1 {
		target = bc.randomPeer()
	}

	bc.mu.Lock()
	bc.pending[token] = time.Now()
	bc.mu.Unlock()

	var err error
	if target != "" {
		err = bc.conn.SendPrivate(target, content)
		bc.stats.privatesSent.Add(1)
	} else {
		err = bc.conn.Send(content)
	}
	if err != nil {
		bc.mu.Lock()
		delete(bc.pending, token)
		bc.mu.Unlock()
		bc.stats.recordSendFailure()
		return err
	}
	return nil
}

func (bc *BotClient) randomPeer() string {
	var peers []string
	for _, u := range bc.conn.Users() {
		if u != bc.nickname {
			peers = append(peers, u)
		}
	}
	if len(peers) == 0 {
		return ""
	}
	return peers[rand.Intn(len(peers))]
}

// expire counts messages that were never echoed
func (bc *BotClient) expire(olderThan time.Duration) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	var expired int64
	for token, sent := range bc.pending {
		if time.Since(sent) > olderThan {
			delete(bc.pending, token)
			expired++
		}
	}
	if expired > 0 {
		bc.stats.recordTimeouts(expired)
	}
}

func (bc *BotClient) Run(ctx context.Context, duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer bc.conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bot %d] PANIC: %v", bc.id, r)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		bc.readLoop()
	}()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) && ctx.Err() == nil {
		if err := bc.PostRandomMessage(); err != nil {
			break
		}
		bc.expire(echoTimeout)

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		case <-done:
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect, then give the
	// last echoes a chance to arrive
	select {
	case <-time.After(shutdownDelay + time.Second):
	case <-ctx.Done():
	}
	bc.expire(0)
}

func main() {
	serverAddr := flag.String("server", "localhost:5555", "Server address (host:port, ws:// or ssh://)")
	password := flag.String("password", os.Getenv("LANCHAT_PASSWORD"), "Server password")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	flag.Parse()

	if *numClients <= 0 {
		log.Fatalf("-clients must be positive")
	}

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats := &Stats{}
	var wg sync.WaitGroup

	reporterDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				echoed, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d echoed (%.1f/s), %d failed, %d conn errors, avg %.2fms",
					echoed, float64(echoed)/elapsed, failed, connErrors, avgUs/1000.0)
			case <-reporterDone:
				return
			}
		}
	}()

	for i := 0; i < *numClients && ctx.Err() == nil; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(ctx, id, *serverAddr, *password, stats)
			if err != nil {
				if id%100 == 0 {
					log.Printf("[Bot %d] %v", id, err)
				}
				return
			}

			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.nickname)
			}

			bot.Run(ctx, *duration, *minDelay, *maxDelay, shutdownDelay)
		}(i, shutdownDelay)

		time.Sleep(staggerDelay)
	}

	wg.Wait()
	close(reporterDone)
	if ctx.Err() != nil {
		log.Printf("Shutdown signal received, test stopped early")
	}

	echoed, failed, connErrors, avgUs := stats.snapshot()
	rate := float64(echoed) / duration.Seconds()

	avgDelay := (*minDelay + *maxDelay) / 2
	expectedPerClient := float64(*duration) / float64(avgDelay)
	expectedTotal := expectedPerClient * float64(*numClients)
	efficiency := float64(echoed) / expectedTotal * 100

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", *duration)
	log.Printf("Messages echoed: %d (%.1f/s)", echoed, rate)
	log.Printf("Private messages sent: %d", stats.privatesSent.Load())
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Send failures: %d", stats.sendFailures.Load())
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Average echo time: %.2fms", avgUs/1000.0)
	log.Printf("Expected throughput: %.0f messages (%.1f per client)", expectedTotal, expectedPerClient)
	log.Printf("Actual vs expected: %.1f%% efficiency", efficiency)

	if echoed > 0 {
		successRate := float64(echoed) / float64(echoed+failed) * 100
		log.Printf("Success rate: %.1f%%", successRate)
	}
}
