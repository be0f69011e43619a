// Package consul opens naming clients backed by a consul agent.
//
// Registry addresses look like
//
//	consul://127.0.0.1:8500?namespace=prod&token=secret&datacenter=dc1
//
// Instances are agent services guarded by a TTL check that the client keeps
// passing while the instance is registered. Instance metadata is carried in
// service tags as key=value pairs, since consul meta keys cannot hold dotted
// parameter names.
package consul

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/consul/api"
	"github.com/hysios/mxreg/address"
	"github.com/hysios/mxreg/errors"
	"github.com/hysios/mxreg/logger"
	"github.com/hysios/mxreg/naming"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	checkTTL          = 30 * time.Second
	keepaliveInterval = 15 * time.Second
	watchWait         = 30 * time.Second
)

func init() {
	naming.Register("consul", func() naming.Backend {
		return naming.BackendFunc(func(u *address.URL) (naming.Client, error) {
			return NewClient(WithURL(u))
		})
	})
}

type Option struct {
	Config    *api.Config
	WatchRate rate.Limit
}

type OptionFunc func(*Option)

func WithConfig(cfg *api.Config) OptionFunc {
	return func(opt *Option) {
		opt.Config = cfg
	}
}

// WithURL fills the consul config from a registry address.
func WithURL(u *address.URL) OptionFunc {
	return func(opt *Option) {
		if opt.Config == nil {
			opt.Config = api.DefaultConfig()
		}
		cfg := opt.Config
		if u.Host() != "" {
			cfg.Address = u.Address()
		}
		if scheme := u.Parameter("scheme"); scheme != "" {
			cfg.Scheme = scheme
		}
		if token := u.Parameter("token"); token != "" {
			cfg.Token = token
		}
		if dc := u.Parameter("datacenter"); dc != "" {
			cfg.Datacenter = dc
		}
		if ns := u.Parameter(address.NamespaceKey); ns != "" {
			cfg.Namespace = ns
		}
		if u.Username() != "" {
			cfg.HttpAuth = &api.HttpBasicAuth{Username: u.Username(), Password: u.Password()}
		}
	}
}

// WithWatchRate limits how often a subscription re-queries consul.
func WithWatchRate(limit rate.Limit) OptionFunc {
	return func(opt *Option) {
		opt.WatchRate = limit
	}
}

// Client is a naming.Client on the consul agent API.
type Client struct {
	cli       *api.Client
	namespace string
	watchRate rate.Limit
	ctx       context.Context
	closefn   context.CancelFunc

	mu         sync.Mutex
	closed     bool
	keepalives map[string]context.CancelFunc
}

// NewClient connects to consul and checks that a leader is reachable.
func NewClient(optFns ...OptionFunc) (*Client, error) {
	var opt = Option{}
	for _, fn := range optFns {
		fn(&opt)
	}

	if opt.Config == nil {
		opt.Config = api.DefaultConfig()
	}

	if opt.WatchRate == 0 {
		opt.WatchRate = rate.Every(time.Second)
	}

	cli, err := api.NewClient(opt.Config)
	if err != nil {
		return nil, errors.Wrap(err)
	}

	if _, err := cli.Status().Leader(); err != nil {
		return nil, errors.Wrap(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cli:        cli,
		namespace:  opt.Config.Namespace,
		watchRate:  opt.WatchRate,
		ctx:        ctx,
		closefn:    cancel,
		keepalives: make(map[string]context.CancelFunc),
	}, nil
}

func checkID(serviceID string) string {
	return "service:" + serviceID
}

func (c *Client) queryOptions(ctx context.Context) *api.QueryOptions {
	return (&api.QueryOptions{Namespace: c.namespace}).WithContext(ctx)
}

func (c *Client) RegisterInstance(ctx context.Context, service string, inst naming.Instance) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.ErrClosed
	}
	c.mu.Unlock()

	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}

	weight := int(inst.Weight)
	if weight <= 0 {
		weight = 1
	}

	var (
		agent = c.cli.Agent()
		reg   = &api.AgentServiceRegistration{
			ID:        inst.ID,
			Name:      service,
			Port:      inst.Port,
			Address:   inst.IP,
			Tags:      encodeTags(inst.Metadata),
			Namespace: c.namespace,
			Weights:   &api.AgentWeights{Passing: weight, Warning: 1},
			Check: &api.AgentServiceCheck{
				CheckID:                        checkID(inst.ID),
				TTL:                            checkTTL.String(),
				DeregisterCriticalServiceAfter: (2 * checkTTL).String(),
			},
		}
	)

	if err := agent.ServiceRegister(reg); err != nil {
		return errors.Wrap(err)
	}

	if err := agent.UpdateTTL(checkID(inst.ID), "service registered", api.HealthPassing); err != nil {
		logger.Logger.Warn("consul update ttl failed", zap.String("service", service), zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		// Close ran while the agent call was in flight and did not see this
		// instance.
		if err := c.deregister(inst.ID); err != nil {
			logger.Logger.Warn("consul deregister failed", zap.String("id", inst.ID), zap.Error(err))
		}
		return errors.ErrClosed
	}
	if cancel, ok := c.keepalives[inst.ID]; ok {
		cancel()
	}
	kctx, cancel := context.WithCancel(c.ctx)
	c.keepalives[inst.ID] = cancel
	go c.keepalive(kctx, inst.ID)

	return nil
}

func (c *Client) keepalive(ctx context.Context, serviceID string) {
	var (
		agent = c.cli.Agent()
		tick  = time.NewTicker(keepaliveInterval)
	)
	defer tick.Stop()

	for {
		select {
		case t := <-tick.C:
			if err := agent.UpdateTTL(checkID(serviceID), t.Format("2006-01-02 15:04:05"), api.HealthPassing); err != nil {
				logger.Logger.Warn("consul update ttl failed", zap.String("id", serviceID), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) DeregisterInstance(ctx context.Context, service string, inst naming.Instance) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.ErrClosed
	}
	if cancel, ok := c.keepalives[inst.ID]; ok {
		cancel()
		delete(c.keepalives, inst.ID)
	}
	c.mu.Unlock()

	return errors.Wrap(c.deregister(inst.ID))
}

func (c *Client) deregister(serviceID string) error {
	return c.cli.Agent().ServiceDeregisterOpts(serviceID, &api.QueryOptions{Namespace: c.namespace})
}

func (c *Client) health(ctx context.Context, service string, index uint64) ([]naming.Instance, uint64, error) {
	q := c.queryOptions(ctx)
	if index > 0 {
		q.WaitIndex = index
		q.WaitTime = watchWait
	}

	entries, meta, err := c.cli.Health().Service(service, "", false, q)
	if err != nil {
		return nil, 0, errors.Wrap(err)
	}

	instances := make([]naming.Instance, 0, len(entries))
	for _, entry := range entries {
		if entry.Service == nil {
			continue
		}
		ip := entry.Service.Address
		if ip == "" && entry.Node != nil {
			ip = entry.Node.Address
		}
		instances = append(instances, naming.Instance{
			ID:       entry.Service.ID,
			IP:       ip,
			Port:     entry.Service.Port,
			Weight:   float64(entry.Service.Weights.Passing),
			Healthy:  entry.Checks.AggregatedStatus() == api.HealthPassing,
			Metadata: decodeTags(entry.Service.Tags),
		})
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })

	return instances, meta.LastIndex, nil
}

func (c *Client) Instances(ctx context.Context, service string) ([]naming.Instance, error) {
	instances, _, err := c.health(ctx, service, 0)
	return instances, err
}

func (c *Client) Subscribe(service string, fn naming.Listener) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.ErrClosed
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(c.ctx)
	instances, index, err := c.health(ctx, service, 0)
	if err != nil {
		cancel()
		return nil, err
	}

	fn(service, instances)
	go c.watch(ctx, service, index, fn)

	return cancel, nil
}

func (c *Client) watch(ctx context.Context, service string, index uint64, fn naming.Listener) {
	limiter := rate.NewLimiter(c.watchRate, 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		instances, last, err := c.health(ctx, service, index)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Logger.Warn("consul watch failed", zap.String("service", service), zap.Error(err))
			continue
		}

		if last == index {
			continue
		}
		if last < index {
			// index went backwards, restart from scratch
			last = 0
		}
		index = last
		fn(service, instances)
	}
}

// Close stops every subscription and keepalive and deregisters the
// instances registered through this client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ids := make([]string, 0, len(c.keepalives))
	for id := range c.keepalives {
		ids = append(ids, id)
	}
	c.keepalives = nil
	c.mu.Unlock()

	c.closefn()

	var errs error
	for _, id := range ids {
		if err := c.deregister(id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("deregister %s: %w", id, err))
		}
	}
	return errs
}

func encodeTags(meta map[string]string) []string {
	tags := make([]string, 0, len(meta))
	for k, v := range meta {
		tags = append(tags, k+"="+v)
	}
	sort.Strings(tags)
	return tags
}

func decodeTags(tags []string) map[string]string {
	meta := make(map[string]string, len(tags))
	for _, tag := range tags {
		if i := strings.IndexByte(tag, '='); i > 0 {
			meta[tag[:i]] = tag[i+1:]
		}
	}
	return meta
}
