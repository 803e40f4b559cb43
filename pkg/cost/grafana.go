// Package cost estimates the cluster spend of a benchmarking window from the
// kube-state-metrics series exposed through Grafana's Prometheus proxy.
package cost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// QueryRangeRoute is Grafana's proxy route to the first datasource.
const QueryRangeRoute = "/api/datasources/proxy/1/api/v1/query_range"

const resolutionError = "exceeded maximum resolution"

// Breakdown is the estimated spend, formatted as decimal strings. Empty
// fields mean the estimate is unavailable.
type Breakdown struct {
	CPU   string
	GPU   string
	Total string
}

// Disabled is an estimator that reports no cost.
type Disabled struct{}

// Finish returns an empty Breakdown.
func (Disabled) Finish(context.Context) (Breakdown, error) { return Breakdown{}, nil }

// Config configures a Grafana estimator.
type Config struct {
	Host     string
	User     string
	Password string

	// NetworkingCost is added to the node total.
	NetworkingCost float64

	// MinStep is the initial query step in seconds, and the increment used
	// when Prometheus rejects a query for too many points.
	MinStep int

	// RetryWait is the pause before re-issuing a rejected query.
	RetryWait time.Duration

	HTTPClient *http.Client
}

// DefaultConfig returns the estimator defaults.
func DefaultConfig() Config {
	return Config{
		Host:           "prometheus-operator-grafana",
		User:           "admin",
		Password:       "prom-operator",
		NetworkingCost: NetworkingCost,
		MinStep:        15,
		RetryWait:      500 * time.Millisecond,
	}
}

// Grafana estimates cost over [start, Finish time].
type Grafana struct {
	cfg    Config
	base   string
	start  time.Time
	now    func() time.Time
	logger *zap.Logger
}

// NewGrafana returns an estimator whose window starts at start, which must
// not be in the future.
func NewGrafana(cfg Config, start time.Time, logger *zap.Logger) (*Grafana, error) {
	def := DefaultConfig()
	if cfg.MinStep <= 0 {
		cfg.MinStep = def.MinStep
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = def.RetryWait
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("grafana host is required")
	}
	if start.Truncate(time.Second).After(time.Now()) {
		return nil, fmt.Errorf("cost window start %s is in the future", start.Format(time.RFC3339))
	}

	base := strings.TrimRight(cfg.Host, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Grafana{cfg: cfg, base: base, start: start, now: time.Now, logger: logger}, nil
}

// Finish closes the window at the current time and computes the estimate.
func (g *Grafana) Finish(ctx context.Context) (Breakdown, error) {
	start := g.start.Unix()
	end := g.now().Unix()
	if end < start {
		return Breakdown{}, fmt.Errorf("cost window ends before it starts")
	}

	var created, labels *queryResponse
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		created, err = g.queryRange(egCtx, "kube_node_created", start, end)
		return err
	})
	eg.Go(func() error {
		var err error
		labels, err = g.queryRange(egCtx, "kube_node_labels", start, end)
		return err
	})
	if err := eg.Wait(); err != nil {
		return Breakdown{}, err
	}

	nodes, err := parseCreated(created, start)
	if err != nil {
		return Breakdown{}, err
	}
	mergeLabels(nodes, parseLabels(labels))

	cpu, gpu, total, err := computeCosts(nodes)
	if err != nil {
		return Breakdown{}, err
	}
	return Breakdown{
		CPU:   formatFloat(cpu),
		GPU:   formatFloat(gpu),
		Total: formatFloat(total + g.cfg.NetworkingCost),
	}, nil
}

type series struct {
	Metric map[string]string `json:"metric"`
	Values [][]any           `json:"values"`
}

type queryResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		Result []series `json:"result"`
	} `json:"data"`
}

// queryRange runs a range query, widening the step while Prometheus reports
// too many points.
func (g *Grafana) queryRange(ctx context.Context, query string, start, end int64) (*queryResponse, error) {
	step := g.cfg.MinStep
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(g.cfg.RetryWait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			step += g.cfg.MinStep
		}

		status, resp, err := g.get(ctx, query, start, end, step)
		if err != nil {
			return nil, err
		}
		if status == http.StatusOK {
			return resp, nil
		}

		g.logger.Warn("Grafana query failed",
			zap.String("query", query),
			zap.Int("status", status),
			zap.Int("step", step),
			zap.String("error", resp.Error))
		if status != http.StatusBadRequest || !strings.Contains(resp.Error, resolutionError) {
			return nil, fmt.Errorf("grafana query %s: status %d: %s", query, status, resp.Error)
		}
	}
}

func (g *Grafana) get(ctx context.Context, query string, start, end int64, step int) (int, *queryResponse, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("start", strconv.FormatInt(start, 10))
	params.Set("end", strconv.FormatInt(end, 10))
	params.Set("step", strconv.Itoa(step))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.base+QueryRangeRoute+"?"+params.Encode(), nil)
	if err != nil {
		return 0, nil, err
	}
	req.SetBasicAuth(g.cfg.User, g.cfg.Password)

	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("grafana query %s: %w", query, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	var out queryResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, nil, fmt.Errorf("decode grafana response for %s (status %d): %w", query, resp.StatusCode, err)
	}
	return resp.StatusCode, &out, nil
}

type node struct {
	lifetime     float64
	instanceType string
	preemptible  bool
	gpu          string
	labelled     bool
}

type nodeLabels struct {
	instanceType string
	preemptible  bool
	gpu          string
}

func sample(v []any) (ts float64, value int64, err error) {
	if len(v) < 2 {
		return 0, 0, fmt.Errorf("malformed sample %v", v)
	}
	ts, ok := v[0].(float64)
	if !ok {
		return 0, 0, fmt.Errorf("malformed sample timestamp %v", v[0])
	}
	s, ok := v[len(v)-1].(string)
	if !ok {
		return 0, 0, fmt.Errorf("malformed sample value %v", v[len(v)-1])
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed sample value %q: %w", s, err)
	}
	return ts, int64(f), nil
}

// parseCreated computes each node's lifetime inside the window. A node that
// was recreated has one creation timestamp per incarnation; each incarnation
// contributes from max(created, start) to its last sample.
func parseCreated(resp *queryResponse, start int64) (map[string]*node, error) {
	nodes := make(map[string]*node)
	for _, s := range resp.Data.Result {
		name := s.Metric["node"]
		if len(s.Values) == 0 {
			continue
		}
		_, first, err := sample(s.Values[0])
		if err != nil {
			return nil, err
		}
		lastTS, last, err := sample(s.Values[len(s.Values)-1])
		if err != nil {
			return nil, err
		}

		if first == last {
			nodes[name] = &node{lifetime: lastTS - float64(max(last, start))}
			continue
		}

		var lifetime float64
		var current int64
		seen := false
		for i := len(s.Values) - 1; i > 0; i-- {
			ts, created, err := sample(s.Values[i])
			if err != nil {
				return nil, err
			}
			if !seen || created != current {
				seen = true
				current = created
				lifetime += ts - float64(max(created, start))
			}
		}
		nodes[name] = &node{lifetime: lifetime}
	}
	return nodes, nil
}

func parseLabels(resp *queryResponse) map[string]nodeLabels {
	out := make(map[string]nodeLabels)
	for _, s := range resp.Data.Result {
		m := s.Metric
		_, preemptible := m["label_cloud_google_com_gke_preemptible"]
		out[m["label_kubernetes_io_hostname"]] = nodeLabels{
			instanceType: m["label_beta_kubernetes_io_instance_type"],
			preemptible:  preemptible,
			gpu:          m["label_cloud_google_com_gke_accelerator"],
		}
	}
	return out
}

func mergeLabels(nodes map[string]*node, labels map[string]nodeLabels) {
	for name, l := range labels {
		n, ok := nodes[name]
		if !ok {
			continue
		}
		n.instanceType = l.instanceType
		n.preemptible = l.preemptible
		n.gpu = l.gpu
		n.labelled = true
	}
}

func hourlyCost(n *node) (float64, error) {
	price, ok := InstancePrices[n.instanceType]
	if !ok {
		return 0, fmt.Errorf("no price for instance type %q", n.instanceType)
	}
	rate := price.Rate(n.preemptible)
	if n.gpu != "" {
		gpuPrice, ok := GPUPrices[n.gpu]
		if !ok {
			return 0, fmt.Errorf("no price for accelerator %q", n.gpu)
		}
		rate += gpuPrice.Rate(n.preemptible)
	}
	return rate, nil
}

func computeCosts(nodes map[string]*node) (cpu, gpu, total float64, err error) {
	for name, n := range nodes {
		if !n.labelled {
			return 0, 0, 0, fmt.Errorf("node %s has no labels", name)
		}
		rate, err := hourlyCost(n)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("node %s: %w", name, err)
		}
		c := rate * n.lifetime / 3600
		if n.gpu == "" {
			cpu += c
		} else {
			gpu += c
		}
		total += c
	}
	return cpu, gpu, total, nil
}

// formatFloat renders v the way the report has always shown costs: shortest
// decimal form, with a trailing ".0" for whole numbers.
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEIN") {
		s += ".0"
	}
	return s
}
