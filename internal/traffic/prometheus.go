package traffic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"

	"github.com/regionplacer/placer/internal/config"
	"github.com/regionplacer/placer/pkg/otel"
)

// UnknownRegion labels series that carry no region label
const UnknownRegion = "unknown"

// Prometheus reads the fly edge response counter from a Prometheus-compatible API
type Prometheus struct {
	api     v1.API
	app     string
	window  time.Duration
	timeout time.Duration
}

// tokenTransport adds the API token to every request
type tokenTransport struct {
	header string
	next   http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", t.header)
	return t.next.RoundTrip(req)
}

// authorizationHeader keeps an explicit scheme ("FlyV1 ...", "Bearer ...") and defaults to Bearer
func authorizationHeader(token string) string {
	token = strings.TrimSpace(token)
	if strings.Contains(token, " ") {
		return token
	}
	return "Bearer " + token
}

// NewPrometheus creates a collector querying cfg.PrometheusURL for app.
//
// Args:
//   - cfg: Traffic source settings (URL, token, range, timeout)
//   - app: Fly app name used as the "app" label matcher
//
// Returns:
//   - *Prometheus or error if the URL or app name is missing
func NewPrometheus(cfg config.TrafficConfig, app string) (*Prometheus, error) {
	if cfg.PrometheusURL == "" {
		return nil, errors.New("prometheus_url is required")
	}
	if app == "" {
		return nil, errors.New("fly_app_name is required for the prometheus source")
	}

	var rt http.RoundTripper = api.DefaultRoundTripper
	if cfg.APIToken != "" {
		rt = &tokenTransport{header: authorizationHeader(cfg.APIToken), next: rt}
	}

	client, err := api.NewClient(api.Config{Address: cfg.PrometheusURL, RoundTripper: rt})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}

	window := cfg.Range
	if window <= 0 {
		window = 5 * time.Minute
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Prometheus{api: v1.NewAPI(client), app: app, window: window, timeout: timeout}, nil
}

// Query returns the PromQL expression evaluated on every Collect
func (p *Prometheus) Query() string {
	return fmt.Sprintf(`sum(increase(fly_edge_http_responses_count{app=%q}[%s])) by (region)`,
		p.app, model.Duration(p.window))
}

// Collect runs the query and returns the counts per region
func (p *Prometheus) Collect(ctx context.Context) (map[string]float64, error) {
	ctx, span := otel.StartSpan(ctx, "traffic.prometheus")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	value, warnings, err := p.api.Query(ctx, p.Query(), time.Now())
	if err != nil {
		otel.RecordError(span, err, "prometheus query failed")
		return nil, fmt.Errorf("prometheus query failed: %w", err)
	}
	for _, w := range warnings {
		logrus.WithField("app", p.app).Warnf("Prometheus warning: %s", w)
	}

	return parseVector(value)
}

func parseVector(value model.Value) (map[string]float64, error) {
	if value == nil {
		return nil, errors.New("empty prometheus result")
	}
	vector, ok := value.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected prometheus result type %s", value.Type())
	}

	counts := make(map[string]float64, len(vector))
	for _, sample := range vector {
		region := strings.ToLower(string(sample.Metric["region"]))
		if region == "" {
			region = UnknownRegion
		}
		counts[region] += float64(sample.Value)
	}
	return counts, nil
}
