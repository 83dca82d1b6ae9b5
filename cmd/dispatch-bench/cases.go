// README: Bench scenarios: onboarding, order flow, races, consistency and throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"dispatch/internal/infra"
	"dispatch/migrations"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

var (
	pickup  = map[string]float64{"lat": 36.705, "lng": 3.005}
	dropoff = map[string]float64{"lat": 36.720, "lng": 3.050}
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
	run   string

	mu       sync.Mutex
	agents   []string
	orderIDs []string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		run:   uuid.NewString()[:8],
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkPostgres},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: tables exist", Run: checkTables},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, "", "", http.MethodGet, "/health", nil, http.StatusOK)
		}},
		{Name: "Shop: register pickup", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, r.admin(), "admin", http.MethodPut, "/api/shops/"+r.shopID(), map[string]any{
				"name": "bench " + r.run, "pickup": pickup,
			}, http.StatusOK)
		}},
		{Name: "Agents: onboard around pickup", Run: onboardAgents},
		{Name: "Order: create (valid)", Run: func(ctx context.Context, r *Runner) Result {
			_, res := r.createOrder(ctx)
			return res
		}},
		{Name: "Order: create invalid coords -> 400", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, r.customer(), "customer", http.MethodPost, "/api/orders", map[string]any{
				"shop_id": r.shopID(),
				"dropoff": map[string]float64{"lat": 123, "lng": 456},
			}, http.StatusBadRequest)
		}},
		{Name: "Order: unknown shop -> 404", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, r.customer(), "customer", http.MethodPost, "/api/orders", map[string]any{
				"shop_id": "bench-" + r.run + "-nowhere",
				"dropoff": dropoff,
			}, http.StatusNotFound)
		}},
		{Name: "Pricing: quote 3 km", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, r.customer(), "customer", http.MethodGet, "/api/pricing/quote?distance=3&unit=km", nil, http.StatusOK)
		}},
		{Name: "Pricing: unknown unit -> 400", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, r.customer(), "customer", http.MethodGet, "/api/pricing/quote?distance=3&unit=parsec", nil, http.StatusBadRequest)
		}},
		{Name: "Flow: dispatch, accept, start, deliver", Run: deliveryFlow},
		{Name: "Concurrency: parallel dispatch assigns once", Run: concurrentDispatch},
		{Name: "Concurrency: accept vs cancel", Run: acceptVersusCancel},
		{Name: "Consistency: version equals event count", Run: checkVersions},
		{Name: "Perf: location update throughput", Run: func(ctx context.Context, r *Runner) Result {
			return perfLoad(ctx, r, func(i int) (string, string, string, string, any) {
				agentID := r.agentAt(i)
				return agentID, "delivery", http.MethodPut, "/api/agents/me/location", map[string]any{
					"lat": pickup["lat"], "lng": pickup["lng"], "captured_at": time.Now().UTC(),
				}
			})
		}},
		{Name: "Perf: create order throughput", Run: func(ctx context.Context, r *Runner) Result {
			return perfLoad(ctx, r, func(int) (string, string, string, string, any) {
				return r.customer(), "customer", http.MethodPost, "/api/orders", map[string]any{"shop_id": r.shopID(), "dropoff": dropoff}
			})
		}},
	}
}

func checkPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "dsn not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusSkip, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "dsn not configured"}
	}
	tables, err := extractTables(migrations.FS)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
}

func onboardAgents(ctx context.Context, r *Runner) Result {
	start := time.Now()
	for i := 0; i < r.cfg.Agents; i++ {
		id := fmt.Sprintf("bench-%s-agent-%d", r.run, i)
		steps := []struct {
			method, path string
			body         any
		}{
			{http.MethodPost, "/api/agents/me", map[string]any{"capacity": 1}},
			{http.MethodPut, "/api/agents/me/availability", map[string]any{"online": true}},
			{http.MethodPut, "/api/agents/me/location", map[string]any{
				"lat":         pickup["lat"] + float64(i)*0.001,
				"lng":         pickup["lng"],
				"captured_at": time.Now().UTC(),
			}},
		}
		for _, s := range steps {
			code, body, _, err := r.call(ctx, id, "delivery", s.method, s.path, s.body)
			if err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			if code != http.StatusOK {
				return Result{Status: statusFail, Note: fmt.Sprintf("%s %s status=%d body=%v", s.method, s.path, code, body)}
			}
		}
		r.mu.Lock()
		r.agents = append(r.agents, id)
		r.mu.Unlock()
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: fmt.Sprintf("agents=%d", r.cfg.Agents)}
}

func deliveryFlow(ctx context.Context, r *Runner) Result {
	start := time.Now()
	orderID, res := r.createOrder(ctx)
	if res.Status != statusPass {
		return res
	}
	path := "/api/orders/" + orderID

	code, matched, _, err := r.call(ctx, r.admin(), "admin", http.MethodPost, path+"/dispatch", nil)
	if err != nil || code != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("dispatch status=%d body=%v err=%v", code, matched, err)}
	}
	agentID, _ := matched["agent_id"].(string)
	assigned, _ := matched["order"].(map[string]any)
	version := assigned["version"]

	for _, action := range []string{"accept", "start"} {
		code, body, _, err := r.call(ctx, agentID, "delivery", http.MethodPost, path+"/"+action, map[string]any{"version": version})
		if err != nil || code != http.StatusOK {
			return Result{Status: statusFail, Note: fmt.Sprintf("%s status=%d body=%v err=%v", action, code, body, err)}
		}
		version = body["version"]
	}

	code, body, _, err := r.call(ctx, agentID, "delivery", http.MethodPut, "/api/agents/me/location", map[string]any{
		"lat": dropoff["lat"], "lng": dropoff["lng"], "captured_at": time.Now().UTC(),
	})
	if err != nil || code != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("location status=%d body=%v err=%v", code, body, err)}
	}
	code, body, _, err = r.call(ctx, agentID, "delivery", http.MethodPost, path+"/deliver", map[string]any{"version": version})
	if err != nil || code != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("deliver status=%d body=%v err=%v", code, body, err)}
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: "agent=" + agentID}
}

func concurrentDispatch(ctx context.Context, r *Runner) Result {
	orderID, res := r.createOrder(ctx)
	if res.Status != statusPass {
		return res
	}
	var ok, conflict atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Concurrency; i++ {
		g.Go(func() error {
			code, _, _, err := r.call(gctx, r.admin(), "admin", http.MethodPost, "/api/orders/"+orderID+"/dispatch", nil)
			if err != nil {
				return err
			}
			switch code {
			case http.StatusOK:
				ok.Add(1)
			case http.StatusConflict:
				conflict.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	note := fmt.Sprintf("success=%d conflict=%d", ok.Load(), conflict.Load())
	if ok.Load() != 1 {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Note: note}
}

func acceptVersusCancel(ctx context.Context, r *Runner) Result {
	orderID, res := r.createOrder(ctx)
	if res.Status != statusPass {
		return res
	}
	path := "/api/orders/" + orderID
	code, matched, _, err := r.call(ctx, r.admin(), "admin", http.MethodPost, path+"/dispatch", nil)
	if err != nil || code != http.StatusOK {
		return Result{Status: statusSkip, Note: fmt.Sprintf("no agent to assign: status=%d", code)}
	}
	agentID, _ := matched["agent_id"].(string)
	assigned, _ := matched["order"].(map[string]any)
	version := assigned["version"]

	var ok atomic.Int32
	var g errgroup.Group
	g.Go(func() error {
		code, _, _, err := r.call(ctx, agentID, "delivery", http.MethodPost, path+"/accept", map[string]any{"version": version})
		if err == nil && code == http.StatusOK {
			ok.Add(1)
		}
		return err
	})
	g.Go(func() error {
		code, _, _, err := r.call(ctx, r.customer(), "customer", http.MethodPost, path+"/cancel", map[string]any{"version": version, "reason": "bench"})
		if err == nil && code == http.StatusOK {
			ok.Add(1)
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if ok.Load() != 1 {
		return Result{Status: statusFail, Note: fmt.Sprintf("winners=%d", ok.Load())}
	}
	return Result{Status: statusPass}
}

func checkVersions(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "dsn not configured"}
	}
	r.mu.Lock()
	ids := append([]string(nil), r.orderIDs...)
	r.mu.Unlock()

	var mismatched int
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM orders o
		WHERE o.id = ANY($1)
		  AND o.version <> (SELECT count(*) FROM order_state_events e WHERE e.order_id = o.id)`,
		ids,
	).Scan(&mismatched)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if mismatched > 0 {
		return Result{Status: statusFail, Note: fmt.Sprintf("orders with version drift: %d", mismatched)}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("orders=%d", len(ids))}
}

type requestFunc func(i int) (uid, role, method, path string, body any)

func perfLoad(ctx context.Context, r *Runner, next requestFunc) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				uid, role, method, path, body := next(i)
				code, _, _, err := r.call(ctx, uid, role, method, path, body)
				if err != nil || code >= 500 {
					errCount.Add(1)
					continue
				}
				count.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if count.Load() == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount.Load())}
}

func (r *Runner) shopID() string {
	return "bench-" + r.run + "-shop"
}

func (r *Runner) createOrder(ctx context.Context) (string, Result) {
	code, body, latency, err := r.call(ctx, r.customer(), "customer", http.MethodPost, "/api/orders", map[string]any{
		"shop_id": r.shopID(), "dropoff": dropoff, "amount": 1500,
	})
	if err != nil {
		return "", Result{Status: statusFail, Note: err.Error()}
	}
	if code != http.StatusCreated {
		return "", Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d body=%v", code, body)}
	}
	id, _ := body["id"].(string)
	r.mu.Lock()
	r.orderIDs = append(r.orderIDs, id)
	r.mu.Unlock()
	return id, Result{Status: statusPass, Latency: latency, Note: "order=" + id}
}

func (r *Runner) expect(ctx context.Context, uid, role, method, path string, body any, want int) Result {
	code, _, latency, err := r.call(ctx, uid, role, method, path, body)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	status := statusPass
	if code != want {
		status = statusFail
	}
	return Result{Status: status, Latency: latency, Note: fmt.Sprintf("status=%d", code)}
}

// call sends one request as uid with role; an empty uid sends no token.
func (r *Runner) call(ctx context.Context, uid, role, method, path string, body any) (int, map[string]any, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		token, err := infra.SignJWT(r.cfg.JWTSecret, uid, role, time.Hour)
		if err != nil {
			return 0, nil, 0, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out, time.Since(start), nil
}

func (r *Runner) customer() string { return "bench-" + r.run + "-customer" }
func (r *Runner) admin() string    { return "bench-" + r.run + "-admin" }

func (r *Runner) agentAt(i int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.agents) == 0 {
		return fmt.Sprintf("bench-%s-agent-%d", r.run, i)
	}
	return r.agents[i%len(r.agents)]
}

var createTable = regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)

func extractTables(fsys fs.FS) ([]string, error) {
	files, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, err
	}
	var tables []string
	for _, f := range files {
		b, err := fs.ReadFile(fsys, f)
		if err != nil {
			return nil, err
		}
		for _, m := range createTable.FindAllStringSubmatch(string(b), -1) {
			tables = append(tables, m[1])
		}
	}
	return tables, nil
}
