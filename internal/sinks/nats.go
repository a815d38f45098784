// Package sinks broadcasts health aggregates and bootstrap results to the
// theme event bus (NATS JetStream) and keeps the last known health in Redis.
package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"arc-framework/starrynight/internal/breaker"
	"arc-framework/starrynight/internal/config"
	"arc-framework/starrynight/internal/health"
	"arc-framework/starrynight/internal/orchestrator"
)

const natsSinkName = "nats"

// streamSpec describes a single JetStream stream to provision.
type streamSpec struct {
	name      string
	subjects  []string
	retention nats.RetentionPolicy
	maxAge    time.Duration
}

// streamsFor returns the streams that capture everything published under
// prefix.
func streamsFor(prefix string) []streamSpec {
	stem := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(prefix))
	return []streamSpec{
		{
			name:      stem + "_HEALTH",
			subjects:  []string{prefix + ".health.>"},
			retention: nats.LimitsPolicy,
			maxAge:    24 * time.Hour,
		},
		{
			name:      stem + "_LIFECYCLE",
			subjects:  []string{prefix + ".bootstrap.>"},
			retention: nats.LimitsPolicy,
			maxAge:    168 * time.Hour,
		},
	}
}

// jsContext is the subset of nats.JetStreamContext the publisher uses.
type jsContext interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSPublisher publishes health aggregates on <prefix>.health.<level> and
// bootstrap results on <prefix>.bootstrap.<status>. The connection is opened
// on first use and dropped after a failed call so the next one redials.
type NATSPublisher struct {
	url     string
	prefix  string
	streams []streamSpec
	cb      *gobreaker.CircuitBreaker
	dial    func(url string) (jsContext, func(), error)
	logger  *slog.Logger

	mu      sync.Mutex
	js      jsContext
	closeFn func()
}

// NewNATSPublisher constructs a NATSPublisher. No connection is made at
// construction time.
func NewNATSPublisher(cfg config.NATSConfig, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "starrynight"
	}
	return &NATSPublisher{
		url:     cfg.URL,
		prefix:  prefix,
		streams: streamsFor(prefix),
		cb:      breaker.New("sink.nats"),
		dial:    realNewJS,
		logger:  logger,
	}
}

// Name identifies the sink in deep health results.
func (p *NATSPublisher) Name() string { return natsSinkName }

// ProvisionStreams creates or updates the health and lifecycle streams. It is
// idempotent: existing streams are updated rather than errored.
func (p *NATSPublisher) ProvisionStreams(ctx context.Context) error {
	_, err := p.cb.Execute(func() (any, error) {
		js, err := p.conn()
		if err != nil {
			return nil, err
		}
		for _, spec := range p.streams {
			if err := provisionStream(js, spec); err != nil {
				p.reset()
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		if breaker.IsOpen(err) {
			return fmt.Errorf("circuit open: %w", err)
		}
		return err
	}
	p.logger.InfoContext(ctx, "nats streams provisioned", "streams", len(p.streams))
	return nil
}

// Publish sends agg on <prefix>.health.<overall>.
func (p *NATSPublisher) Publish(_ context.Context, agg health.Aggregate) error {
	return p.publish(p.prefix+".health."+string(agg.Overall), agg)
}

// PublishBootstrap sends r on <prefix>.bootstrap.<status>.
func (p *NATSPublisher) PublishBootstrap(_ context.Context, r orchestrator.BootstrapResult) error {
	return p.publish(p.prefix+".bootstrap."+r.Status, r)
}

func (p *NATSPublisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", subject, err)
	}
	_, err = p.cb.Execute(func() (any, error) {
		js, err := p.conn()
		if err != nil {
			return nil, err
		}
		if _, err := js.Publish(subject, data); err != nil {
			p.reset()
			return nil, fmt.Errorf("publish %s: %w", subject, err)
		}
		return nil, nil
	})
	if breaker.IsOpen(err) {
		return fmt.Errorf("circuit open: %w", err)
	}
	return err
}

// Probe verifies NATS connectivity. A missing stream is not a failure: NATS
// being reachable is what matters here.
func (p *NATSPublisher) Probe(context.Context) orchestrator.ProbeResult {
	start := time.Now()

	_, err := p.cb.Execute(func() (any, error) {
		js, err := p.conn()
		if err != nil {
			return nil, err
		}
		_, infoErr := js.StreamInfo(p.streams[0].name)
		if infoErr != nil && !errors.Is(infoErr, nats.ErrStreamNotFound) {
			p.reset()
			return nil, fmt.Errorf("stream info: %w", infoErr)
		}
		return nil, nil
	})

	return probeResult(natsSinkName, start, err)
}

// Close drains the connection if one is open.
func (p *NATSPublisher) Close() {
	p.reset()
}

func (p *NATSPublisher) conn() (jsContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.js != nil {
		return p.js, nil
	}
	js, closeFn, err := p.dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	p.js, p.closeFn = js, closeFn
	return js, nil
}

func (p *NATSPublisher) reset() {
	p.mu.Lock()
	closeFn := p.closeFn
	p.js, p.closeFn = nil, nil
	p.mu.Unlock()
	if closeFn != nil {
		closeFn()
	}
}

// provisionStream creates the stream if it does not exist, or updates it if it
// does. nats.ErrStreamNotFound signals "create"; any other error is returned.
func provisionStream(js jsContext, spec streamSpec) error {
	cfg := &nats.StreamConfig{
		Name:      spec.name,
		Subjects:  spec.subjects,
		Retention: spec.retention,
		MaxAge:    spec.maxAge,
	}

	_, err := js.StreamInfo(spec.name)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, addErr := js.AddStream(cfg); addErr != nil {
			return fmt.Errorf("creating stream %s: %w", spec.name, addErr)
		}
	case err != nil:
		return fmt.Errorf("querying stream %s: %w", spec.name, err)
	default:
		if _, updErr := js.UpdateStream(cfg); updErr != nil {
			return fmt.Errorf("updating stream %s: %w", spec.name, updErr)
		}
	}
	return nil
}

// realNewJS opens a real NATS connection and returns a JetStreamContext plus a
// cleanup function that closes the connection.
func realNewJS(url string) (jsContext, func(), error) {
	nc, err := nats.Connect(url, nats.Name("starrynight"))
	if err != nil {
		return nil, func() {}, fmt.Errorf("nats connect %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, func() {}, fmt.Errorf("nats jetstream context: %w", err)
	}

	return js, func() { nc.Close() }, nil
}

// probeResult maps a breaker-guarded probe outcome to a ProbeResult.
func probeResult(name string, start time.Time, err error) orchestrator.ProbeResult {
	latency := time.Since(start).Milliseconds()
	if err != nil {
		errMsg := err.Error()
		if breaker.IsOpen(err) {
			errMsg = "circuit open"
		}
		return orchestrator.ProbeResult{Name: name, OK: false, LatencyMs: latency, Error: errMsg}
	}
	return orchestrator.ProbeResult{Name: name, OK: true, LatencyMs: latency}
}
