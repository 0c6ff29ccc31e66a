package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order/domain"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/sagaclient"
)

type benchResult struct {
	Timestamp          string         `json:"timestamp"`
	BaseURL            string         `json:"base_url"`
	Scenario           string         `json:"scenario"`
	ProductID          string         `json:"product_id"`
	ExpectedStock      int64          `json:"expected_stock"`
	Transactions       int            `json:"transactions"`
	Concurrency        int            `json:"concurrency"`
	SuccessfulRequests int            `json:"successful_requests"`
	RejectedRequests   int            `json:"rejected_requests"`
	ErrorRequests      int            `json:"error_requests"`
	DurationSeconds    float64        `json:"duration_seconds"`
	AvgLatencyMs       float64        `json:"avg_latency_ms"`
	MinLatencyMs       float64        `json:"min_latency_ms"`
	MaxLatencyMs       float64        `json:"max_latency_ms"`
	P50LatencyMs       float64        `json:"p50_latency_ms"`
	P90LatencyMs       float64        `json:"p90_latency_ms"`
	P95LatencyMs       float64        `json:"p95_latency_ms"`
	P99LatencyMs       float64        `json:"p99_latency_ms"`
	ThroughputRPS      float64        `json:"throughput_rps"`
	StatusCounts       map[string]int `json:"status_counts"`
	FinalStatuses      map[string]int `json:"final_statuses"`
	FinalTimeouts      int            `json:"final_timeouts"`
	FinalAvgLatencyMs  float64        `json:"final_avg_latency_ms"`
	FinalP95LatencyMs  float64        `json:"final_p95_latency_ms"`
	Confirmed          int            `json:"confirmed"`
	Oversold           bool           `json:"oversold"`
	FirstError         string         `json:"first_error"`
}

type metrics struct {
	mu            sync.Mutex
	success       int
	rejected      int
	errors        int
	total         time.Duration
	minLatency    time.Duration
	maxLatency    time.Duration
	latenciesMs   []float64
	finalMs       []float64
	finalTimeout  int
	statusCounts  map[string]int
	finalStatuses map[string]int
	firstError    string
}

func newMetrics() *metrics {
	return &metrics{
		statusCounts:  make(map[string]int),
		finalStatuses: make(map[string]int),
	}
}

// recordCheckout counts one checkout. INSUFFICIENT_STOCK is the expected
// answer once stock runs out and is not an error.
func (m *metrics) recordCheckout(latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := 201
	if err != nil {
		status = sagaclient.StatusOf(err)
	}
	m.statusCounts[strconv.Itoa(status)]++

	var ae *sagaclient.APIError
	switch {
	case err == nil:
		m.success++
		m.total += latency
		if m.minLatency == 0 || latency < m.minLatency {
			m.minLatency = latency
		}
		if latency > m.maxLatency {
			m.maxLatency = latency
		}
		m.latenciesMs = append(m.latenciesMs, float64(latency.Milliseconds()))
	case errors.As(err, &ae) && ae.Code == "INSUFFICIENT_STOCK":
		m.rejected++
	default:
		m.errors++
		if m.firstError == "" {
			m.firstError = err.Error()
		}
	}
}

func (m *metrics) recordFinal(latency time.Duration, status domain.OrderStatus, reached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !reached {
		m.finalTimeout++
		return
	}
	m.finalStatuses[string(status)]++
	m.finalMs = append(m.finalMs, float64(latency.Milliseconds()))
}

func main() {
	baseURL := flag.String("base-url", getenv("SAGA_BASE_URL", "http://localhost:8080"), "saga-service base URL")
	scenario := flag.String("scenario", "checkout", "scenario to run: checkout|confirm")
	productID := flag.String("product", "sku-1", "product every checkout buys")
	variantID := flag.String("variant", "", "optional variant id")
	expectedStock := flag.Int64("stock", 0, "stock seeded before the run; 0 skips the oversell check")
	total := flag.Int("total", 1000, "total number of checkouts")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	finalTimeout := flag.Duration("final-timeout", 30*time.Second, "timeout for final status polling (confirm scenario)")
	finalInterval := flag.Duration("final-interval", 200*time.Millisecond, "poll interval for final status")
	output := flag.String("output", "", "optional output path for JSON result")
	flag.Parse()

	if *total <= 0 || *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "total and concurrency must be > 0")
		os.Exit(1)
	}
	if *scenario != "checkout" && *scenario != "confirm" {
		fmt.Fprintf(os.Stderr, "unknown scenario: %s\n", *scenario)
		os.Exit(1)
	}

	client := sagaclient.New(*baseURL, *timeout)
	line := order.CartLine{ProductID: *productID, VariantID: *variantID, Quantity: 1}
	m := newMetrics()
	tasks := make(chan struct{})
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range tasks {
				runTransaction(client, line, *scenario == "confirm", *finalTimeout, *finalInterval, m)
			}
		}()
	}
	for i := 0; i < *total; i++ {
		tasks <- struct{}{}
	}
	close(tasks)
	wg.Wait()
	duration := time.Since(start)

	result := summarize(m, duration)
	result.Timestamp = time.Now().UTC().Format(time.RFC3339)
	result.BaseURL = *baseURL
	result.Scenario = *scenario
	result.ProductID = *productID
	result.ExpectedStock = *expectedStock
	result.Transactions = *total
	result.Concurrency = *concurrency
	result.Confirmed = m.finalStatuses[string(domain.OrderStatusConfirmed)]
	if *expectedStock > 0 {
		result.Oversold = oversold(*scenario, m.success, result.Confirmed, *expectedStock)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode result: %v\n", err)
		os.Exit(1)
	}
	if *output != "" {
		if err := writeJSON(*output, result); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write output: %v\n", err)
			os.Exit(1)
		}
	}
	if result.Oversold {
		fmt.Fprintln(os.Stderr, "OVERSOLD: more units sold than were in stock")
		os.Exit(2)
	}
}

// runTransaction checks out one unit and, for the confirm scenario, pays for
// it and waits for the saga to settle.
func runTransaction(client *sagaclient.Client, line order.CartLine, confirm bool, finalTimeout, finalInterval time.Duration, m *metrics) {
	ctx := context.Background()
	start := time.Now()
	o, err := client.Checkout(ctx, sagaclient.CheckoutRequest{BuyerID: "bench-" + uuid.NewString()[:8], Items: []order.CartLine{line}}, "")
	m.recordCheckout(time.Since(start), err)
	if err != nil || !confirm {
		return
	}

	fctx, cancel := context.WithTimeout(ctx, finalTimeout)
	defer cancel()
	finalStart := time.Now()
	if _, err := client.WaitPayment(fctx, o.ID, finalInterval); err != nil {
		m.recordFinal(time.Since(finalStart), "", false)
		return
	}
	// Confirm errors still move the saga; the final status says how.
	_, _ = client.Confirm(fctx, "bench_"+o.ID, o.ID, o.TotalAmount)
	final, err := client.WaitOrder(fctx, o.ID, finalInterval,
		domain.OrderStatusConfirmed, domain.OrderStatusFailed, domain.OrderStatusCancelled, domain.OrderStatusManualCheck)
	m.recordFinal(time.Since(finalStart), final.Status, err == nil)
}

// oversold reports whether more units left than were seeded. Without
// confirms every accepted checkout still holds its unit.
func oversold(scenario string, accepted, confirmed int, stock int64) bool {
	if scenario == "checkout" && int64(accepted) > stock {
		return true
	}
	return int64(confirmed) > stock
}

func summarize(m *metrics, duration time.Duration) benchResult {
	avgLatency, minLatency, maxLatency := 0.0, 0.0, 0.0
	if m.success > 0 {
		avgLatency = float64(m.total.Milliseconds()) / float64(m.success)
		minLatency = float64(m.minLatency.Milliseconds())
		maxLatency = float64(m.maxLatency.Milliseconds())
	}
	p50, p90, p95, p99 := calcPercentiles(m.latenciesMs)
	finalAvg, finalP95 := 0.0, 0.0
	if len(m.finalMs) > 0 {
		for _, v := range m.finalMs {
			finalAvg += v
		}
		finalAvg /= float64(len(m.finalMs))
		_, _, finalP95, _ = calcPercentiles(m.finalMs)
	}
	return benchResult{
		SuccessfulRequests: m.success,
		RejectedRequests:   m.rejected,
		ErrorRequests:      m.errors,
		DurationSeconds:    duration.Seconds(),
		AvgLatencyMs:       avgLatency,
		MinLatencyMs:       minLatency,
		MaxLatencyMs:       maxLatency,
		P50LatencyMs:       p50,
		P90LatencyMs:       p90,
		P95LatencyMs:       p95,
		P99LatencyMs:       p99,
		ThroughputRPS:      float64(m.success) / duration.Seconds(),
		StatusCounts:       m.statusCounts,
		FinalStatuses:      m.finalStatuses,
		FinalTimeouts:      m.finalTimeout,
		FinalAvgLatencyMs:  finalAvg,
		FinalP95LatencyMs:  finalP95,
		FirstError:         m.firstError,
	}
}

func writeJSON(path string, result benchResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func calcPercentiles(values []float64) (float64, float64, float64, float64) {
	if len(values) == 0 {
		return 0, 0, 0, 0
	}
	sort.Float64s(values)
	return percentile(values, 0.50), percentile(values, 0.90), percentile(values, 0.95), percentile(values, 0.99)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
