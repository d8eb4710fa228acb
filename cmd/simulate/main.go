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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinio/telemed-scheduling/internal/config"
	"github.com/clinio/telemed-scheduling/internal/db"
)

// The simulator hammers a deliberately small set of providers so that many
// workers race for the same slots. The interesting numbers are the conflict
// rate and the final overlap audit, which must always report zero.

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	BookingRatio    float64
	TransitionRatio float64
	ReadRatio       float64
	PatientLimit    int
	ProviderLimit   int
	DurationMin     int
	PostgresDSN     string
}

type DataPool struct {
	Patients  []uuid.UUID
	Providers []uuid.UUID
	// SlotDates are the local dates (one per provider, same index) the
	// workers book against.
	SlotDates []string

	mu       sync.RWMutex
	bookings []uuid.UUID
}

func (dp *DataPool) AddBooking(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, id)
}

func (dp *DataPool) GetRandomBooking() (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.bookings) == 0 {
		return uuid.Nil, false
	}
	idx := rand.Intn(len(dp.bookings))
	return dp.bookings[idx], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Booking    OperationMetrics
	Transition OperationMetrics
	ListSlots  OperationMetrics
	ReadByID   OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d booking=%.2f transition=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.BookingRatio, cfg.TransitionRatio, cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d patients, %d providers", len(dataPool.Patients), len(dataPool.Providers))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()

	// The whole point: after any amount of racing, active bookings for one
	// provider must never overlap.
	auditCtx, auditCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer auditCancel()
	overlaps, err := countOverlaps(auditCtx, pgPool)
	if err != nil {
		log.Fatalf("overlap audit: %v", err)
	}
	fmt.Printf("Overlap audit: %d overlapping active booking pairs\n", overlaps)
	if overlaps > 0 {
		os.Exit(1)
	}
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 10),
		BookingRatio:    getFloat("SIM_BOOKING_RATIO", 0.5),
		TransitionRatio: getFloat("SIM_TRANSITION_RATIO", 0.2),
		ReadRatio:       getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit:    getInt("SIM_PATIENT_LIMIT", 4000),
		ProviderLimit:   getInt("SIM_PROVIDER_LIMIT", 20),
		DurationMin:     getInt("SIM_DURATION_MIN", 30),
		PostgresDSN:     baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.TransitionRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.TransitionRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM patients LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}

	// Providers that actually have active windows, or every booking attempt
	// would just be slot_outside_window.
	rows, err = pool.Query(ctx, `
		SELECT DISTINCT p.id FROM providers p
		JOIN weekly_windows w ON w.provider_id = p.id AND w.active
		LIMIT $1
	`, cfg.ProviderLimit)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Providers = append(dataPool.Providers, id)
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Providers) == 0 {
		return nil, fmt.Errorf("no providers with active windows loaded")
	}

	// Book a week out so "today" never shaves candidates off mid-run.
	date := time.Now().AddDate(0, 0, 7).Format("2006-01-02")
	for range dataPool.Providers {
		dataPool.SlotDates = append(dataPool.SlotDates, date)
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

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
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.TransitionRatio:
				s.doTransition(ctx, rng)
			default:
				if rng.Intn(2) == 0 {
					s.doListSlots(ctx, rng)
				} else {
					s.doReadByID(ctx, rng)
				}
			}
		}
	}
}

// doBooking fetches the slot list for a random provider and tries to book
// one of the first few offers, which is exactly where concurrent patients
// pile up in production.
func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	idx := rng.Intn(len(s.pool.Providers))
	providerID := s.pool.Providers[idx]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	date := s.pool.SlotDates[idx]

	slots, err := s.fetchSlots(ctx, providerID, date)
	if err != nil || len(slots) == 0 {
		return
	}

	pick := slots[rng.Intn(minInt(len(slots), 3))]

	start := time.Now()

	reqBody := map[string]any{
		"patient_id":      patientID.String(),
		"provider_id":     providerID.String(),
		"start":           pick.Format(time.RFC3339),
		"duration_min":    s.config.DurationMin,
		"amount_minor":    2500,
		"currency":        "USD",
		"idempotency_key": uuid.NewString(),
	}
	body, _ := json.Marshal(reqBody)

	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/bookings", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated, http.StatusOK, http.StatusAccepted:
			success = true
			var bookingResp struct {
				ID uuid.UUID `json:"id"`
			}
			bodyBytes, _ := io.ReadAll(resp.Body)
			if len(bodyBytes) > 0 {
				json.Unmarshal(bodyBytes, &bookingResp)
				if bookingResp.ID != uuid.Nil {
					s.pool.AddBooking(bookingResp.ID)
				}
			}
		case http.StatusConflict:
			conflict = true
		}
	}

	s.metrics.Booking.Record(latency, success, conflict)
}

func (s *Simulator) doTransition(ctx context.Context, rng *rand.Rand) {
	bookingID, ok := s.pool.GetRandomBooking()
	if !ok {
		return
	}

	events := []string{"payment_succeeded", "payment_failed", "session_joined", "session_ended"}
	event := events[rng.Intn(len(events))]

	start := time.Now()

	body, _ := json.Marshal(map[string]string{"event": event})
	req, _ := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/bookings/%s/transition", s.config.APIBaseURL, bookingID.String()), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			success = true
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Transition.Record(latency, success, conflict)
}

func (s *Simulator) doListSlots(ctx context.Context, rng *rand.Rand) {
	idx := rng.Intn(len(s.pool.Providers))

	start := time.Now()
	_, err := s.fetchSlots(ctx, s.pool.Providers[idx], s.pool.SlotDates[idx])
	latency := time.Since(start)

	s.metrics.ListSlots.Record(latency, err == nil, false)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	bookingID, ok := s.pool.GetRandomBooking()
	if !ok {
		return
	}

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/bookings/%s", s.config.APIBaseURL, bookingID.String()), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.ReadByID.Record(latency, success, false)
}

func (s *Simulator) fetchSlots(ctx context.Context, providerID uuid.UUID, date string) ([]time.Time, error) {
	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/providers/%s/slots?date=%s&duration=%d",
			s.config.APIBaseURL, providerID.String(), date, s.config.DurationMin), nil)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("slots status %d", resp.StatusCode)
	}

	var slotsResp struct {
		Slots []time.Time `json:"slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&slotsResp); err != nil {
		return nil, err
	}
	return slotsResp.Slots, nil
}

func countOverlaps(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var overlaps int
	err := pool.QueryRow(ctx, `
		SELECT count(*)
		FROM bookings a
		JOIN bookings b
		  ON a.provider_id = b.provider_id
		 AND a.id < b.id
		 AND a.scheduled_start < b.scheduled_start + make_interval(mins => b.duration_min)
		 AND b.scheduled_start < a.scheduled_start + make_interval(mins => a.duration_min)
		WHERE a.status IN ('scheduled', 'confirmed', 'in_progress')
		  AND b.status IN ('scheduled', 'confirmed', 'in_progress')
	`).Scan(&overlaps)
	return overlaps, err
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Transition", &s.metrics.Transition)
	printOperationReport("List Slots", &s.metrics.ListSlots)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errCount := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errCount > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errCount, float64(errCount)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

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

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
