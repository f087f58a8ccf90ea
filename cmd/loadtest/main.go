// Command loadtest drives a running API: health latency, concurrent webhook
// redelivery and Idempotency-Key replay on payment creation.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jeet-patel/subscription-ledger/internal/gateway"
)

type Stats struct {
	TotalRequests int
	SuccessCount  int
	ErrorCount    int
	Latencies     []time.Duration
	StatusCodes   map[int]int
	Outcomes      map[string]int
}

func newStats() *Stats {
	return &Stats{StatusCodes: make(map[int]int), Outcomes: make(map[string]int)}
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "API base URL")
	secret := flag.String("webhook-secret", "", "webhook HMAC secret")
	paymentID := flag.String("payment-id", "", "pending gateway payment id to redeliver")
	userID := flag.String("user", "", "X-User-ID for payment creation")
	productID := flag.String("product", "", "product id for payment creation")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	fmt.Println("=== Billing Ledger Load Test ===")

	fmt.Println("\n[Test 1] Health Endpoint Performance (100 requests)")
	printStats(runConcurrent(100, 10, func(int) (*http.Response, error) {
		return client.Get(*baseURL + "/health")
	}))

	if *secret != "" && *paymentID != "" {
		fmt.Println("\n[Test 2] Concurrent Webhook Redelivery (20 deliveries of one event)")
		body, _ := json.Marshal(map[string]any{
			"event":  "payment.succeeded",
			"object": map[string]any{"id": *paymentID, "status": gateway.StatusSucceeded},
		})
		signature := gateway.Sign(*secret, body)
		stats := runConcurrent(20, 20, func(int) (*http.Response, error) {
			req, _ := http.NewRequest(http.MethodPost, *baseURL+"/payments/webhook", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Signature", signature)
			return client.Do(req)
		})
		printWebhookStats(stats)
	}

	if *userID != "" && *productID != "" {
		fmt.Println("\n[Test 3] Idempotency Validation (10 retries with same key)")
		key := fmt.Sprintf("load-%d", time.Now().UnixNano())
		body, _ := json.Marshal(map[string]any{"productId": *productID})
		stats := runConcurrent(10, 1, func(int) (*http.Response, error) {
			req, _ := http.NewRequest(http.MethodPost, *baseURL+"/payments/create", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-User-ID", *userID)
			req.Header.Set("Idempotency-Key", key)
			return client.Do(req)
		})
		printIdempotencyStats(stats)
	}

	fmt.Println("\n=== Load Test Complete ===")
}

func runConcurrent(totalRequests, concurrency int, do func(n int) (*http.Response, error)) *Stats {
	stats := newStats()
	var mu sync.Mutex
	var wg sync.WaitGroup

	semaphore := make(chan struct{}, concurrency)

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			start := time.Now()
			resp, err := do(n)
			duration := time.Since(start)

			var outcome string
			var replayed bool
			if err == nil {
				payload, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				var parsed map[string]any
				if json.Unmarshal(payload, &parsed) == nil {
					outcome, _ = parsed["status"].(string)
				}
				replayed = resp.Header.Get("X-Idempotency-Replayed") == "true"
			}

			mu.Lock()
			defer mu.Unlock()

			stats.TotalRequests++
			stats.Latencies = append(stats.Latencies, duration)
			if err != nil {
				stats.ErrorCount++
				return
			}
			stats.StatusCodes[resp.StatusCode]++
			if replayed {
				stats.Outcomes["replayed"]++
			} else if outcome != "" {
				stats.Outcomes[outcome]++
			}
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				stats.SuccessCount++
			} else {
				stats.ErrorCount++
			}
		}(i)
	}

	wg.Wait()
	return stats
}

func printStats(stats *Stats) {
	if len(stats.Latencies) == 0 {
		fmt.Println("  No data collected")
		return
	}

	sort.Slice(stats.Latencies, func(i, j int) bool {
		return stats.Latencies[i] < stats.Latencies[j]
	})

	p50 := stats.Latencies[len(stats.Latencies)*50/100]
	p95 := stats.Latencies[len(stats.Latencies)*95/100]
	p99 := stats.Latencies[len(stats.Latencies)*99/100]

	successRate := float64(stats.SuccessCount) / float64(stats.TotalRequests) * 100

	fmt.Printf("  Total Requests: %d\n", stats.TotalRequests)
	fmt.Printf("  Success: %d (%.1f%%)\n", stats.SuccessCount, successRate)
	fmt.Printf("  Errors: %d\n", stats.ErrorCount)
	fmt.Printf("  P50 Latency: %v\n", p50)
	fmt.Printf("  P95 Latency: %v\n", p95)
	fmt.Printf("  P99 Latency: %v\n", p99)
}

func printWebhookStats(stats *Stats) {
	printStats(stats)
	fmt.Printf("  Applied: %d, Replayed: %d\n", stats.Outcomes["applied"], stats.Outcomes["replayed"])
	if stats.Outcomes["applied"] <= 1 && stats.ErrorCount == 0 {
		fmt.Println("  OK: at most one delivery changed state")
	} else {
		fmt.Println("  FAIL: check webhook claim behavior")
	}
}

func printIdempotencyStats(stats *Stats) {
	fmt.Printf("  Total Requests: %d\n", stats.TotalRequests)
	fmt.Printf("  Replayed Responses: %d\n", stats.Outcomes["replayed"])
	fmt.Printf("  Status Codes: %v\n", stats.StatusCodes)

	if stats.Outcomes["replayed"] == stats.TotalRequests-1 {
		fmt.Println("  OK: one payment created, the rest replayed")
	} else {
		fmt.Println("  FAIL: check idempotency behavior")
	}
}
