package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	tenants     int
	users       int
	reuseRate   float64
)

var (
	totalRequests uint64
	applied       uint64 // 200 fresh
	replayed      uint64 // 200 with Idempotent-Replayed
	inUse         uint64 // 409 IDEMPOTENCY_KEY_IN_USE
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&tenants, "tenants", 10, "Number of seeded tenants (tenant-001..)")
	flag.IntVar(&users, "users", 250, "Users per tenant")
	flag.Float64Var(&reuseRate, "reuse", 0.2, "Fraction of requests that resend a recent idempotency key")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Key reuse: %.0f%%", workload, concurrency, duration, reuseRate*100)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, i, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

type sent struct {
	key    string
	tenant string
	user   string
}

func worker(wg *sync.WaitGroup, id int, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	var recent []sent
	seq := 0
	for time.Since(start) < duration {
		var s sent
		if len(recent) > 0 && rng.Float64() < reuseRate {
			// Simulate a client retry after a timeout.
			s = recent[rng.Intn(len(recent))]
		} else {
			tenantID, userID := pickTarget(rng)
			seq++
			s = sent{
				key:    fmt.Sprintf("bench-w%03d-%012d-%d", id, seq, start.UnixNano()),
				tenant: tenantID,
				user:   userID,
			}
			recent = append(recent, s)
			if len(recent) > 32 {
				recent = recent[1:]
			}
		}

		body, _ := json.Marshal(map[string]string{"amount": "1.25"})
		req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/api/v1/wallets/%s/credit", targetURL, s.user), bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-tenant-id", s.tenant)
		req.Header.Set("x-idempotency-key", s.key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case resp.StatusCode == http.StatusOK && resp.Header.Get("Idempotent-Replayed") == "true":
			atomic.AddUint64(&replayed, 1)
		case resp.StatusCode == http.StatusOK:
			atomic.AddUint64(&applied, 1)
		case resp.StatusCode == http.StatusConflict:
			atomic.AddUint64(&inUse, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickTarget(rng *rand.Rand) (string, string) {
	t := rng.Intn(tenants) + 1
	u := rng.Intn(users) + 1

	if workload == "hotspot" && rng.Float32() < 0.90 {
		// Hotspot: 90% of traffic hits one wallet, serializing on its row lock.
		t, u = 1, 1
	}
	return fmt.Sprintf("tenant-%03d", t), fmt.Sprintf("user-%05d", u)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	nApplied := atomic.LoadUint64(&applied)
	nReplayed := atomic.LoadUint64(&replayed)
	nInUse := atomic.LoadUint64(&inUse)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	inUseRate := 0.0
	if total > 0 {
		inUseRate = float64(nInUse) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": tps,
		"applied":        nApplied,
		"replayed":       nReplayed,
		"key_in_use":     nInUse,
		"in_use_pct":     inUseRate,
		"errors":         fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
