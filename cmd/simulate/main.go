package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
)

// Load generator for the booking API: mixed create / transition / read
// traffic with latency percentiles. Conflicts (concurrent transitions racing
// on the same appointment) are expected and counted separately from errors.

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	CreateRatio     float64
	TransitionRatio float64
	ReadRatio       float64
}

type createdAppointment struct {
	ID     uuid.UUID
	Status string
}

type DataPool struct {
	mu           sync.RWMutex
	appointments []createdAppointment
}

func (dp *DataPool) Add(id uuid.UUID, status string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, createdAppointment{ID: id, Status: status})
}

func (dp *DataPool) Random(rng *rand.Rand) (createdAppointment, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return createdAppointment{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

func (dp *DataPool) SetStatus(id uuid.UUID, status string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	for i := range dp.appointments {
		if dp.appointments[i].ID == id {
			dp.appointments[i].Status = status
			return
		}
	}
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	Latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, success, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))

	idx := func(p int) time.Duration {
		i := len(latencies) * p / 100
		if i >= len(latencies) {
			i = len(latencies) - 1
		}
		return latencies[i]
	}
	return avg, idx(50), idx(95)
}

type Metrics struct {
	Create     OperationMetrics
	Transition OperationMetrics
	Read       OperationMetrics
	List       OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

// nextStatuses mirrors the normal transition chain so most generated
// transitions are legal; the occasional illegal one exercises the 409 path.
var nextStatuses = map[string][]string{
	"pending":            {"contacted", "negotiating", "cancelled"},
	"contacted":          {"negotiating", "cancelled"},
	"negotiating":        {"confirmed", "cancelled"},
	"confirmed":          {"session_held", "cancelled"},
	"session_held":       {"feedback_requested", "completed"},
	"feedback_requested": {"completed"},
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	log.Printf("config: duration=%s workers=%d create=%.2f transition=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.CreateRatio, cfg.TransitionRatio, cfg.ReadRatio)

	gofakeit.Seed(time.Now().UnixNano())

	sim := &Simulator{
		config: cfg,
		pool:   &DataPool{},
		client: &http.Client{Timeout: 10 * time.Second},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 10),
		CreateRatio:     getFloat("SIM_CREATE_RATIO", 0.3),
		TransitionRatio: getFloat("SIM_TRANSITION_RATIO", 0.4),
		ReadRatio:       getFloat("SIM_READ_RATIO", 0.3),
	}

	total := cfg.CreateRatio + cfg.TransitionRatio + cfg.ReadRatio
	if total > 0 {
		cfg.CreateRatio /= total
		cfg.TransitionRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("running for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.CreateRatio:
				s.doCreate(ctx, rng)
			case r < s.config.CreateRatio+s.config.TransitionRatio:
				s.doTransition(ctx, rng)
			default:
				if rng.Intn(2) == 0 {
					s.doRead(ctx, rng)
				} else {
					s.doList(ctx)
				}
			}
		}
	}
}

func (s *Simulator) doCreate(ctx context.Context, rng *rand.Rand) {
	reqBody := map[string]string{
		"client_email":    gofakeit.Email(),
		"therapist_email": gofakeit.Email(),
		"initial_message": "Hi, I would like to book a session.",
	}
	body, _ := json.Marshal(reqBody)

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusCreated, http.StatusOK:
			success = true
			var apptResp struct {
				ID     uuid.UUID `json:"id"`
				Status string    `json:"status"`
			}
			bodyBytes, _ := io.ReadAll(resp.Body)
			if json.Unmarshal(bodyBytes, &apptResp) == nil && apptResp.ID != uuid.Nil {
				s.pool.Add(apptResp.ID, apptResp.Status)
			}
		case http.StatusConflict, http.StatusTooManyRequests:
			conflict = true
		}
	}

	s.metrics.Create.Record(latency, success, conflict)
}

func (s *Simulator) doTransition(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.Random(rng)
	if !ok {
		return
	}

	candidates := nextStatuses[appt.Status]
	if len(candidates) == 0 {
		return
	}
	target := candidates[rng.Intn(len(candidates))]

	reqBody := map[string]any{
		"status":   target,
		"source":   "webhook",
		"actor_id": fmt.Sprintf("sim-%d", rng.Intn(1000)),
	}
	if target == "confirmed" {
		reqBody["confirmed_datetime"] = time.Now().Add(72 * time.Hour).Format("2006-01-02 15:04")
	}
	body, _ := json.Marshal(reqBody)

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/appointments/%s/status", s.config.APIBaseURL, appt.ID), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			success = true
			s.pool.SetStatus(appt.ID, target)
		case http.StatusConflict:
			conflict = true
		}
	}

	s.metrics.Transition.Record(latency, success, conflict)
}

func (s *Simulator) doRead(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.Random(rng)
	if !ok {
		return
	}

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/appointments/%s", s.config.APIBaseURL, appt.ID), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.Read.Record(latency, success, false)
}

func (s *Simulator) doList(ctx context.Context) {
	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, "GET",
		s.config.APIBaseURL+"/appointments?status=negotiating&limit=20", nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.List.Record(latency, success, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 72))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 72))
	fmt.Printf("Duration: %s  Workers: %d\n\n", s.config.Duration, s.config.Workers)

	printOperationReport("Create", &s.metrics.Create)
	printOperationReport("Transition", &s.metrics.Transition)
	printOperationReport("Read", &s.metrics.Read)
	printOperationReport("List", &s.metrics.List)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errCount := atomic.LoadInt64(&om.Error)

	avg, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errCount > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errCount, float64(errCount)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s\n\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond), p95.Round(time.Millisecond))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
