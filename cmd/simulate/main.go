package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/logging"
)

// simulate drives a running api-server with concurrent coordinators booking,
// editing, reading the weekly calendar and cancelling appointments.
type SimConfig struct {
	APIBaseURL  string
	Email       string
	Password    string
	Duration    time.Duration
	Workers     int
	CreateRatio float64
	UpdateRatio float64
	DeleteRatio float64
	ReadRatio   float64
}

type DataPool struct {
	Patients    []string
	Specialists []string
	Services    []string

	mu           sync.RWMutex
	appointments []string
}

func (dp *DataPool) AddAppointment(id string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

// TakeAppointment removes and returns a random created appointment.
func (dp *DataPool) TakeAppointment(rng *rand.Rand) (string, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return "", false
	}
	i := rng.Intn(len(dp.appointments))
	id := dp.appointments[i]
	dp.appointments = append(dp.appointments[:i], dp.appointments[i+1:]...)
	return id, true
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (string, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return "", false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	latencies := slices.Clone(om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	slices.Sort(latencies)

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	at := func(pct int) time.Duration {
		return latencies[min(len(latencies)*pct/100, len(latencies)-1)]
	}
	return sum / time.Duration(len(latencies)), at(50), at(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Create   OperationMetrics
	Update   OperationMetrics
	Delete   OperationMetrics
	Calendar OperationMetrics
	List     OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	token   string
	log     zerolog.Logger
	metrics Metrics
}

func main() {
	logger := logging.New(getEnv("APP_ENV", "dev"), "info")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	sim := &Simulator{
		config: cfg,
		pool:   &DataPool{},
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sim.login(ctx); err != nil {
		logger.Fatal().Err(err).Msg("login")
	}
	if err := sim.loadDataPool(ctx); err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	logger.Info().
		Int("patients", len(sim.pool.Patients)).
		Int("specialists", len(sim.pool.Specialists)).
		Int("services", len(sim.pool.Services)).
		Msg("data pool loaded")

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:  strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Email:       getEnv("SIM_EMAIL", "coordinacion@clinica.test"),
		Password:    os.Getenv("SIM_PASSWORD"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 10),
		CreateRatio: getFloat("SIM_CREATE_RATIO", 0.35),
		UpdateRatio: getFloat("SIM_UPDATE_RATIO", 0.15),
		DeleteRatio: getFloat("SIM_DELETE_RATIO", 0.1),
		ReadRatio:   getFloat("SIM_READ_RATIO", 0.4),
	}

	total := cfg.CreateRatio + cfg.UpdateRatio + cfg.DeleteRatio + cfg.ReadRatio
	if total > 0 {
		cfg.CreateRatio /= total
		cfg.UpdateRatio /= total
		cfg.DeleteRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Password == "" {
		return fmt.Errorf("SIM_PASSWORD is required")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

// do sends one request and decodes the envelope's data into out when given.
func (s *Simulator) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	env := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp.StatusCode, err
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) login(ctx context.Context) error {
	var out struct {
		Token string `json:"token"`
	}
	status, err := s.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    s.config.Email,
		"password": s.config.Password,
	}, &out)
	if err != nil {
		return err
	}
	if status != http.StatusOK || out.Token == "" {
		return fmt.Errorf("login returned %d", status)
	}
	s.token = out.Token
	return nil
}

func (s *Simulator) loadDataPool(ctx context.Context) error {
	type record struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	ids := func(path string, keep func(record) bool) ([]string, error) {
		var rows []record
		status, err := s.do(ctx, http.MethodGet, path, nil, &rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("%s returned %d", path, status)
		}
		var out []string
		for _, r := range rows {
			if keep == nil || keep(r) {
				out = append(out, r.ID)
			}
		}
		return out, nil
	}

	var err error
	if s.pool.Patients, err = ids("/api/pacientes", nil); err != nil {
		return err
	}
	if s.pool.Specialists, err = ids("/api/profesionales?selectable=true", nil); err != nil {
		return err
	}
	if s.pool.Services, err = ids("/api/servicios", nil); err != nil {
		return err
	}

	if len(s.pool.Patients) == 0 || len(s.pool.Specialists) == 0 || len(s.pool.Services) == 0 {
		return fmt.Errorf("need at least one patient, active specialist and service; run cmd/seed first")
	}
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.CreateRatio:
			s.doCreate(ctx, rng)
		case r < s.config.CreateRatio+s.config.UpdateRatio:
			s.doUpdate(ctx, rng)
		case r < s.config.CreateRatio+s.config.UpdateRatio+s.config.DeleteRatio:
			s.doDelete(ctx, rng)
		default:
			if rng.Intn(2) == 0 {
				s.doCalendar(ctx, rng)
			} else {
				s.doList(ctx, rng)
			}
		}
	}
}

func pick(rng *rand.Rand, from []string) string {
	return from[rng.Intn(len(from))]
}

func (s *Simulator) doCreate(ctx context.Context, rng *rand.Rand) {
	day := time.Now().AddDate(0, 0, rng.Intn(14))
	body := map[string]any{
		"patient_id":    pick(rng, s.pool.Patients),
		"specialist_id": pick(rng, s.pool.Specialists),
		"service_id":    pick(rng, s.pool.Services),
		"date":          day.Format("2006-01-02"),
		"time":          fmt.Sprintf("%02d:00", 8+rng.Intn(13)),
	}
	if rng.Intn(10) == 0 {
		body["patient_id"] = "SYSTEM"
		delete(body, "service_id")
	}

	var created struct {
		ID string `json:"id"`
	}
	start := time.Now()
	status, err := s.do(ctx, http.MethodPost, "/api/citas", body, &created)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		status = 0
	}
	s.metrics.Create.Record(time.Since(start), status)
	if status == http.StatusCreated && created.ID != "" {
		s.pool.AddAppointment(created.ID)
	}
}

func (s *Simulator) doUpdate(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	body := map[string]any{
		"status":       []int{1, 2, 4, 5}[rng.Intn(4)],
		"observations": "actualizado por simulación",
	}

	start := time.Now()
	status, err := s.do(ctx, http.MethodPut, "/api/citas/"+id, body, nil)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		status = 0
	}
	s.metrics.Update.Record(time.Since(start), status)
}

func (s *Simulator) doDelete(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.TakeAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, err := s.do(ctx, http.MethodDelete, "/api/citas/"+id, nil, nil)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		status = 0
	}
	s.metrics.Delete.Record(time.Since(start), status)
}

func (s *Simulator) doCalendar(ctx context.Context, rng *rand.Rand) {
	path := "/api/calendario/semana?fecha=" + time.Now().AddDate(0, 0, 7*(rng.Intn(3)-1)).Format("2006-01-02")
	if rng.Intn(2) == 0 {
		path += "&specialist_id=" + pick(rng, s.pool.Specialists)
	}

	start := time.Now()
	status, err := s.do(ctx, http.MethodGet, path, nil, nil)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		status = 0
	}
	s.metrics.Calendar.Record(time.Since(start), status)
}

func (s *Simulator) doList(ctx context.Context, rng *rand.Rand) {
	path := "/api/citas?patient_id=" + pick(rng, s.pool.Patients)

	start := time.Now()
	status, err := s.do(ctx, http.MethodGet, path, nil, nil)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		status = 0
	}
	s.metrics.List.Record(time.Since(start), status)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Create", &s.metrics.Create)
	printOperationReport("Update", &s.metrics.Update)
	printOperationReport("Delete", &s.metrics.Delete)
	printOperationReport("Calendar week", &s.metrics.Calendar)
	printOperationReport("List by patient", &s.metrics.List)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Slot busy: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
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
