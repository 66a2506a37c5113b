package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/capi-gateway/internal/legacy"
	"github.com/SkynetNext/capi-gateway/internal/protocol"
)

var (
	host        = flag.String("host", "localhost", "Target host")
	port        = flag.Int("port", 6112, "Target port")
	connections = flag.Int("connections", 100, "Number of concurrent sessions")
	duration    = flag.Duration("duration", 30*time.Second, "Test duration")
	rate        = flag.Float64("rate", 1.0, "Chat messages per second per session")
	apiKey      = flag.String("api-key", "", "Chat API key sent as the logon account")
	messageSize = flag.Int("message-size", 32, "Chat message size in bytes")
	timeout     = flag.Duration("timeout", 10*time.Second, "Connect and logon timeout")
	verbose     = flag.Bool("verbose", false, "Verbose output")
)

type Stats struct {
	TotalConnections int64
	SuccessfulConns  int64
	FailedConns      int64
	LoginFailures    int64
	TotalMessages    int64
	FailedMsgs       int64
	ReceivedPackets  int64
	ReceivedEvents   int64
	TotalBytes       int64
	MinLatency       time.Duration
	MaxLatency       time.Duration
	TotalLatency     time.Duration
	LatencyCount     int64
	ConnErrors       int64
	ReadErrors       int64
	WriteErrors      int64
}

var stats Stats

func main() {
	flag.Parse()
	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "-api-key is required")
		os.Exit(2)
	}

	fmt.Printf("=== Chat API Gateway Load Test ===\n")
	fmt.Printf("Target: %s:%d\n", *host, *port)
	fmt.Printf("Sessions: %d\n", *connections)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Rate: %.2f msg/s per session\n", *rate)
	fmt.Printf("\n")

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// Start stats reporter
	statsDone := make(chan struct{})
	go reportStats(ctx, statsDone)

	// Keep the session count topped up until the deadline
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, *connections)

	startTime := time.Now()
	for ctx.Err() == nil {
		select {
		case semaphore <- struct{}{}:
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-semaphore }()
				runSession(ctx)
			}()
		case <-ctx.Done():
		}
	}

	wg.Wait()
	elapsed := time.Since(startTime)

	<-statsDone
	printFinalReport(elapsed)
}

type client struct {
	conn  net.Conn
	codec *protocol.TextCodec
	mu    sync.Mutex
}

func (c *client) send(id byte, build func(w *protocol.Writer)) error {
	w := protocol.NewWriter(c.codec)
	if build != nil {
		build(w)
	}
	if err := w.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(*timeout))
	if err := protocol.WritePacket(c.conn, id, w.Bytes()); err != nil {
		atomic.AddInt64(&stats.WriteErrors, 1)
		return err
	}
	atomic.AddInt64(&stats.TotalBytes, int64(w.Len()+4))
	return nil
}

// await reads until a packet with id arrives, answering pings on the way
func (c *client) await(id byte) (*protocol.Packet, error) {
	c.conn.SetReadDeadline(time.Now().Add(*timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		pkt, err := c.read()
		if err != nil {
			return nil, err
		}
		if pkt.ID == id {
			return pkt, nil
		}
	}
}

func (c *client) read() (*protocol.Packet, error) {
	pkt, err := protocol.ReadPacket(c.conn, 0)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&stats.ReceivedPackets, 1)
	atomic.AddInt64(&stats.TotalBytes, int64(len(pkt.Payload)+4))

	switch pkt.ID {
	case legacy.SIDPing:
		payload := pkt.Payload
		err = c.send(legacy.SIDPing, func(w *protocol.Writer) { w.WriteBytes(payload) })
	case legacy.SIDChatEvent:
		atomic.AddInt64(&stats.ReceivedEvents, 1)
	}
	return pkt, err
}

func runSession(ctx context.Context) {
	atomic.AddInt64(&stats.TotalConnections, 1)

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", *host, *port), *timeout)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		atomic.AddInt64(&stats.ConnErrors, 1)
		if *verbose {
			fmt.Printf("❌ Connection failed: %v\n", err)
		}
		return
	}
	defer conn.Close()

	c := &client{conn: conn}
	start := time.Now()
	if err := c.logon(); err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		if *verbose {
			fmt.Printf("❌ Logon failed: %v\n", err)
		}
		return
	}
	recordLatency(time.Since(start))
	atomic.AddInt64(&stats.SuccessfulConns, 1)

	// Close the socket on deadline so the reader unblocks
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, err := c.read(); err != nil {
				if ctx.Err() == nil {
					atomic.AddInt64(&stats.ReadErrors, 1)
					if *verbose {
						fmt.Printf("❌ Read failed: %v\n", err)
					}
				}
				return
			}
		}
	}()

	interval := time.Duration(float64(time.Second) / *rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	message := strings.Repeat("x", *messageSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case <-ticker.C:
			atomic.AddInt64(&stats.TotalMessages, 1)
			err := c.send(legacy.SIDChatCommand, func(w *protocol.Writer) { w.WriteString(message) })
			if err != nil {
				atomic.AddInt64(&stats.FailedMsgs, 1)
				if *verbose {
					fmt.Printf("❌ Send message failed: %v\n", err)
				}
				return
			}
		}
	}
}

// logon performs the OLS logon with the API key as account, then enters chat
func (c *client) logon() error {
	if _, err := c.conn.Write([]byte{legacy.ProtocolGame}); err != nil {
		atomic.AddInt64(&stats.WriteErrors, 1)
		return err
	}

	err := c.send(legacy.SIDLogonResponse2, func(w *protocol.Writer) {
		w.WriteUint32(uint32(time.Now().UnixNano())) // client token
		w.WriteUint32(0)                             // server token
		w.WriteZeros(20)                             // password hash
		w.WriteString(*apiKey)
	})
	if err != nil {
		return err
	}

	pkt, err := c.await(legacy.SIDLogonResponse2)
	if err != nil {
		return err
	}
	r := protocol.NewReader(pkt.Payload, nil)
	if status := r.ReadUint32(); status != 0 {
		atomic.AddInt64(&stats.LoginFailures, 1)
		return fmt.Errorf("logon rejected with status 0x%02X: %s", status, r.ReadString())
	}

	err = c.send(legacy.SIDEnterChat, func(w *protocol.Writer) {
		w.WriteString("")
		w.WriteString("")
	})
	if err != nil {
		return err
	}
	if _, err := c.await(legacy.SIDEnterChat); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("no ENTERCHAT reply within %v", *timeout)
		}
		return err
	}
	return nil
}

func recordLatency(latency time.Duration) {
	atomic.AddInt64(&stats.LatencyCount, 1)

	for {
		oldMin := atomic.LoadInt64((*int64)(&stats.MinLatency))
		if oldMin == 0 || latency < time.Duration(oldMin) {
			if atomic.CompareAndSwapInt64((*int64)(&stats.MinLatency), oldMin, int64(latency)) {
				break
			}
		} else {
			break
		}
	}

	for {
		oldMax := atomic.LoadInt64((*int64)(&stats.MaxLatency))
		if latency > time.Duration(oldMax) {
			if atomic.CompareAndSwapInt64((*int64)(&stats.MaxLatency), oldMax, int64(latency)) {
				break
			}
		} else {
			break
		}
	}

	atomic.AddInt64((*int64)(&stats.TotalLatency), int64(latency))
}

func reportStats(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStats()
		}
	}
}

func printStats() {
	totalConns := atomic.LoadInt64(&stats.TotalConnections)
	successConns := atomic.LoadInt64(&stats.SuccessfulConns)
	failedConns := atomic.LoadInt64(&stats.FailedConns)
	sent := atomic.LoadInt64(&stats.TotalMessages)
	events := atomic.LoadInt64(&stats.ReceivedEvents)

	fmt.Printf("\r[Stats] Sessions: %d/%d (failed: %d) | Sent: %d | Events: %d",
		successConns, totalConns, failedConns, sent, events)
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func printFinalReport(elapsed time.Duration) {
	fmt.Printf("\n\n=== Final Report ===\n")
	fmt.Printf("Duration: %v\n", elapsed)

	totalConns := atomic.LoadInt64(&stats.TotalConnections)
	successConns := atomic.LoadInt64(&stats.SuccessfulConns)
	failedConns := atomic.LoadInt64(&stats.FailedConns)
	totalMsgs := atomic.LoadInt64(&stats.TotalMessages)
	failedMsgs := atomic.LoadInt64(&stats.FailedMsgs)
	totalBytes := atomic.LoadInt64(&stats.TotalBytes)
	latencyCount := atomic.LoadInt64(&stats.LatencyCount)

	fmt.Printf("\n--- Sessions ---\n")
	fmt.Printf("Total: %d\n", totalConns)
	fmt.Printf("Successful: %d (%.2f%%)\n", successConns, percent(successConns, totalConns))
	fmt.Printf("Failed: %d (%.2f%%)\n", failedConns, percent(failedConns, totalConns))
	fmt.Printf("Logon rejected: %d\n", atomic.LoadInt64(&stats.LoginFailures))

	fmt.Printf("\n--- Messages ---\n")
	fmt.Printf("Sent: %d (failed: %d)\n", totalMsgs, failedMsgs)
	fmt.Printf("Packets received: %d (chat events: %d)\n",
		atomic.LoadInt64(&stats.ReceivedPackets), atomic.LoadInt64(&stats.ReceivedEvents))
	fmt.Printf("Throughput: %.2f msg/s\n", float64(totalMsgs-failedMsgs)/elapsed.Seconds())

	fmt.Printf("\n--- Logon latency ---\n")
	if latencyCount > 0 {
		minLatency := time.Duration(atomic.LoadInt64((*int64)(&stats.MinLatency)))
		maxLatency := time.Duration(atomic.LoadInt64((*int64)(&stats.MaxLatency)))
		avgLatency := time.Duration(atomic.LoadInt64((*int64)(&stats.TotalLatency)) / latencyCount)

		fmt.Printf("Min: %v\n", minLatency)
		fmt.Printf("Max: %v\n", maxLatency)
		fmt.Printf("Avg: %v\n", avgLatency)
	}

	fmt.Printf("\n--- Throughput ---\n")
	fmt.Printf("Total Bytes: %d (%.2f MB)\n", totalBytes, float64(totalBytes)/1024/1024)

	fmt.Printf("\n--- Errors ---\n")
	fmt.Printf("Connection Errors: %d\n", atomic.LoadInt64(&stats.ConnErrors))
	fmt.Printf("Read Errors: %d\n", atomic.LoadInt64(&stats.ReadErrors))
	fmt.Printf("Write Errors: %d\n", atomic.LoadInt64(&stats.WriteErrors))

	if failedConns > totalConns/10 || failedMsgs > totalMsgs/10 {
		fmt.Printf("\n❌ Test failed: too many errors\n")
		os.Exit(1)
	}
	fmt.Printf("\n✅ Test completed successfully\n")
}
