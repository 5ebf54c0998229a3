package couchbase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ServiceType names a cluster service reachable from the client.
type ServiceType string

const (
	ServiceKV   ServiceType = "kv"
	ServiceMgmt ServiceType = "mgmt"
)

// PingState is the outcome of pinging one endpoint.
type PingState string

const (
	PingOK      PingState = "ok"
	PingTimeout PingState = "timeout"
	PingError   PingState = "error"
)

// PingOptions apply to Ping.
type PingOptions struct {
	// ReportID identifies the report. A random id is used when empty.
	ReportID string
	// Services defaults to kv and mgmt.
	Services []ServiceType
	// Timeout bounds each endpoint. Defaults to 5s.
	Timeout time.Duration
}

// EndpointPingReport is the result for one endpoint.
type EndpointPingReport struct {
	Remote  string        `json:"remote"`
	State   PingState     `json:"state"`
	Latency time.Duration `json:"latency_ns"`
	Error   string        `json:"error,omitempty"`
}

// PingReport groups endpoint results by service.
type PingReport struct {
	ID       string                               `json:"id"`
	Bucket   string                               `json:"bucket"`
	Revision int64                                `json:"config_rev"`
	Services map[ServiceType][]EndpointPingReport `json:"services"`
}

const defaultPingTimeout = 5 * time.Second

// Ping checks every known endpoint of the requested services concurrently.
// Failures are reported per endpoint; the error is only for ctx.
func (c *Client) Ping(ctx context.Context, opts PingOptions) (*PingReport, error) {
	id := opts.ReportID
	if id == "" {
		id = uuid.NewString()
	}
	services := opts.Services
	if len(services) == 0 {
		services = []ServiceType{ServiceKV, ServiceMgmt}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}

	report := &PingReport{
		ID:       id,
		Bucket:   c.config.Bucket,
		Revision: c.holder.Revision(),
		Services: make(map[ServiceType][]EndpointPingReport, len(services)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		var check func(context.Context, string) error
		switch svc {
		case ServiceKV:
			check = c.pingKV
		case ServiceMgmt:
			check = c.pingMgmt
		default:
			return nil, fmt.Errorf("couchbase: ping: unknown service %q", svc)
		}

		addrs := c.serviceAddresses(svc)
		results := make([]EndpointPingReport, len(addrs))
		report.Services[svc] = results
		for i, addr := range addrs {
			g.Go(func() error {
				results[i] = pingEndpoint(gctx, addr, timeout, check)
				return nil
			})
		}
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func pingEndpoint(ctx context.Context, addr string, timeout time.Duration, check func(context.Context, string) error) EndpointPingReport {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := check(ctx, addr)
	r := EndpointPingReport{Remote: addr, State: PingOK, Latency: time.Since(start)}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		r.State = PingTimeout
		r.Error = err.Error()
	default:
		r.State = PingError
		r.Error = err.Error()
	}
	return r
}

func (c *Client) serviceAddresses(svc ServiceType) []string {
	useTLS := c.config.TLSConfig != nil
	m := c.holder.Load()
	switch svc {
	case ServiceKV:
		if m != nil {
			return m.KVAddresses(useTLS)
		}
		return c.config.KVSeeds
	case ServiceMgmt:
		if m != nil {
			if addrs := m.MgmtAddresses(useTLS); len(addrs) > 0 {
				return addrs
			}
		}
		return c.config.Seeds
	}
	return nil
}

func (c *Client) pingKV(ctx context.Context, addr string) error {
	np, err := c.nodePool(addr)
	if err != nil {
		return err
	}
	_, err = np.Ping(ctx)
	return err
}

func (c *Client) pingMgmt(ctx context.Context, addr string) error {
	scheme := "http"
	if c.config.TLSConfig != nil {
		scheme = "https"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scheme+"://"+addr+"/pools", nil)
	if err != nil {
		return err
	}
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}
	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("couchbase: ping %s: %s", addr, resp.Status)
	}
	return nil
}
