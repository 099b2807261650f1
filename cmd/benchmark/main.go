package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config holds the benchmark settings
var (
	targetURL   string
	fixturePath string
	concurrency int
	duration    time.Duration
	workload    string
	replayRate  float64
)

// Metrics
type stats struct {
	total        atomic.Uint64
	created      atomic.Uint64 // 201
	replayed     atomic.Uint64 // 200, idempotent replays
	insufficient atomic.Uint64 // 422, balance exhausted
	noPlan       atomic.Uint64 // 403
	failOther    atomic.Uint64
}

type fixture struct {
	APIIDs  []string `json:"api_ids"`
	UserIDs []string `json:"user_ids"`
}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&fixturePath, "fixture", "seed.json", "Seeder output with user and API ids")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.Float64Var(&replayRate, "replay", 0, "Fraction of requests that resend the previous idempotency key")
}

func main() {
	flag.Parse()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	fx, err := loadFixture(fixturePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load fixture")
	}
	if len(fx.UserIDs) == 0 || len(fx.APIIDs) == 0 {
		logger.Fatal().Msg("fixture has no users or APIs; run the seeder first")
	}

	logger.Info().
		Str("workload", workload).
		Int("workers", concurrency).
		Dur("duration", duration).
		Msg("starting benchmark")

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var st stats
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			worker(gctx, fx, &st)
			return nil
		})
	}
	_ = g.Wait()

	if err := printResults(&st, time.Since(start)); err != nil {
		logger.Error().Err(err).Msg("write results")
	}
}

func worker(ctx context.Context, fx *fixture, st *stats) {
	client := &http.Client{Timeout: 5 * time.Second}
	var lastKey string
	var lastBody []byte

	for ctx.Err() == nil {
		key, body := lastKey, lastBody
		if key == "" || rand.Float64() >= replayRate {
			user, api := pick(fx)
			key = uuid.NewString()
			body, _ = json.Marshal(map[string]any{"user_id": user, "api_id": api})
		}
		lastKey, lastBody = key, body

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL+"/api/v1/api-requests", bytes.NewReader(body))
		if err != nil {
			st.failOther.Add(1)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				st.failOther.Add(1)
			}
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		st.total.Add(1)
		switch resp.StatusCode {
		case http.StatusCreated:
			st.created.Add(1)
		case http.StatusOK:
			st.replayed.Add(1)
		case http.StatusUnprocessableEntity:
			st.insufficient.Add(1)
		case http.StatusForbidden:
			st.noPlan.Add(1)
		default:
			st.failOther.Add(1)
		}
	}
}

// pick chooses the billed user and API. The hotspot workload sends 90% of
// traffic to the first user so balance and allowance updates contend.
func pick(fx *fixture) (string, string) {
	api := fx.APIIDs[rand.Intn(len(fx.APIIDs))]
	if workload == "hotspot" && rand.Float32() < 0.90 {
		return fx.UserIDs[0], api
	}
	return fx.UserIDs[rand.Intn(len(fx.UserIDs))], api
}

func loadFixture(path string) (*fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var fx fixture
	if err := json.NewDecoder(f).Decode(&fx); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &fx, nil
}

func printResults(st *stats, d time.Duration) error {
	total := st.total.Load()
	rejected := st.insufficient.Load() + st.noPlan.Load()

	var rejectRate float64
	if total > 0 {
		rejectRate = float64(rejected) / float64(total) * 100
	}

	results := map[string]any{
		"workload":         workload,
		"duration_sec":     d.Seconds(),
		"total_requests":   total,
		"throughput_tps":   float64(total) / d.Seconds(),
		"success_created":  st.created.Load(),
		"success_replay":   st.replayed.Load(),
		"rejected_balance": st.insufficient.Load(),
		"rejected_no_plan": st.noPlan.Load(),
		"reject_rate_pct":  rejectRate,
		"errors":           st.failOther.Load(),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}

	file, err := os.Create(fmt.Sprintf("results_%s.json", workload))
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewEncoder(file).Encode(results)
}
