// Package etcd opens naming clients backed by etcd v3.
//
// Each instance is a JSON value under
//
//	/{root}[/{namespace}]/{service}/{instance id}
//
// attached to a lease the client keeps alive, so instances of a crashed
// process expire on their own.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hysios/mxreg/address"
	"github.com/hysios/mxreg/errors"
	"github.com/hysios/mxreg/logger"
	"github.com/hysios/mxreg/naming"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
)

const (
	DefaultRoot        = "mxreg"
	DefaultTTL         = 10
	DefaultDialTimeout = 3 * time.Second
)

func init() {
	naming.Register("etcd", func() naming.Backend {
		return naming.BackendFunc(func(u *address.URL) (naming.Client, error) {
			opt, err := OptionFromURL(u)
			if err != nil {
				return nil, err
			}
			return NewClient(opt)
		})
	})
}

type Option struct {
	Endpoints   []string
	Username    string
	Password    string
	Root        string
	Namespace   string
	TTL         int64
	DialTimeout time.Duration
	WatchRate   rate.Limit
}

// OptionFromURL reads endpoints and settings from a registry address:
//
//	etcd://10.0.0.1:2379?backup=10.0.0.2:2379,10.0.0.3:2379&timeout=5000&ttl=15&watch_rate=5
func OptionFromURL(u *address.URL) (Option, error) {
	opt := Option{
		Endpoints: []string{u.Address()},
		Username:  u.Username(),
		Password:  u.Password(),
		Root:      u.ParameterOr("root", DefaultRoot),
		Namespace: u.Parameter(address.NamespaceKey),
	}

	if backup := u.Parameter("backup"); backup != "" {
		for _, ep := range strings.Split(backup, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				opt.Endpoints = append(opt.Endpoints, ep)
			}
		}
	}

	if v := u.Parameter("timeout"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return opt, errors.Parse(u.String(), fmt.Errorf("timeout: %w", err))
		}
		opt.DialTimeout = time.Duration(ms) * time.Millisecond
	}

	if v := u.Parameter("ttl"); v != "" {
		ttl, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return opt, errors.Parse(u.String(), fmt.Errorf("ttl: %w", err))
		}
		opt.TTL = ttl
	}

	if v := u.Parameter("watch_rate"); v != "" {
		perSecond, err := strconv.ParseFloat(v, 64)
		if err != nil || perSecond <= 0 {
			return opt, errors.Parse(u.String(), fmt.Sprintf("watch_rate: invalid value %q", v))
		}
		opt.WatchRate = rate.Limit(perSecond)
	}

	return opt, nil
}

// etcdClient is the part of *clientv3.Client the naming client uses.
type etcdClient interface {
	clientv3.KV
	clientv3.Lease
	clientv3.Watcher
	Close() error
}

// Client is a naming.Client on etcd.
type Client struct {
	cli     etcdClient
	opt     Option
	ctx     context.Context
	closefn context.CancelFunc

	mu       sync.Mutex
	closed   bool
	leases   map[string]clientv3.LeaseID // key -> lease
	inflight sync.WaitGroup
}

// NewClient dials etcd and fails when no endpoint answers within the dial
// timeout.
func NewClient(opt Option) (*Client, error) {
	if opt.Root == "" {
		opt.Root = DefaultRoot
	}
	if opt.TTL <= 0 {
		opt.TTL = DefaultTTL
	}
	if opt.DialTimeout <= 0 {
		opt.DialTimeout = DefaultDialTimeout
	}
	if opt.WatchRate == 0 {
		opt.WatchRate = rate.Every(200 * time.Millisecond)
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opt.Endpoints,
		Username:    opt.Username,
		Password:    opt.Password,
		DialTimeout: opt.DialTimeout,
		DialOptions: []grpc.DialOption{grpc.WithBlock()},
		Logger:      logger.Backend("etcd"),
	})
	if err != nil {
		return nil, errors.Wrap(err)
	}

	return newClient(cli, opt), nil
}

func newClient(cli etcdClient, opt Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cli:     cli,
		opt:     opt,
		ctx:     ctx,
		closefn: cancel,
		leases:  make(map[string]clientv3.LeaseID),
	}
}

func servicePrefix(root, namespace, service string) string {
	parts := []string{"", root}
	if namespace != "" {
		parts = append(parts, namespace)
	}
	parts = append(parts, service, "")
	return strings.Join(parts, "/")
}

func (c *Client) prefix(service string) string {
	return servicePrefix(c.opt.Root, c.opt.Namespace, service)
}

func instanceID(inst naming.Instance) string {
	if inst.ID != "" {
		return inst.ID
	}
	return fmt.Sprintf("%s:%d", inst.IP, inst.Port)
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.ErrClosed
	}
	return nil
}

func (c *Client) RegisterInstance(ctx context.Context, service string, inst naming.Instance) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.ErrClosed
	}
	// Close waits for registrations in flight before closing the connection.
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	inst.ID = instanceID(inst)
	inst.Healthy = true
	val, err := json.Marshal(inst)
	if err != nil {
		return errors.Wrap(err)
	}

	lease, err := c.cli.Grant(ctx, c.opt.TTL)
	if err != nil {
		return errors.Wrap(err)
	}

	key := c.prefix(service) + inst.ID
	if _, err = c.cli.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrap(err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.revoke(key, lease.ID)
		return errors.ErrClosed
	}
	old, ok := c.leases[key]
	c.leases[key] = lease.ID
	c.mu.Unlock()

	if ok && old != lease.ID {
		_, _ = c.cli.Revoke(ctx, old)
	}

	// the keepalive outlives ctx; it stops with the client or on deregister
	ch, err := c.cli.KeepAlive(c.ctx, lease.ID)
	if err != nil {
		if c.ctx.Err() != nil {
			return errors.ErrClosed
		}
		return errors.Wrap(err)
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

// revoke drops a lease taken after Close started.
func (c *Client) revoke(key string, lease clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opt.DialTimeout)
	defer cancel()
	if _, err := c.cli.Revoke(ctx, lease); err != nil {
		logger.Logger.Warn("etcd revoke failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Client) DeregisterInstance(ctx context.Context, service string, inst naming.Instance) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	key := c.prefix(service) + instanceID(inst)

	c.mu.Lock()
	lease, ok := c.leases[key]
	delete(c.leases, key)
	c.mu.Unlock()

	if ok {
		if _, err := c.cli.Revoke(ctx, lease); err != nil {
			return errors.Wrap(err)
		}
		return nil
	}

	_, err := c.cli.Delete(ctx, key)
	return errors.Wrap(err)
}

func (c *Client) Instances(ctx context.Context, service string) ([]naming.Instance, error) {
	resp, err := c.cli.Get(ctx, c.prefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err)
	}

	values := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, kv.Value)
	}
	return decodeInstances(values), nil
}

func decodeInstances(values [][]byte) []naming.Instance {
	instances := make([]naming.Instance, 0, len(values))
	for _, v := range values {
		var inst naming.Instance
		if err := json.Unmarshal(v, &inst); err != nil {
			logger.Logger.Debug("skip malformed etcd instance", zap.ByteString("value", v), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances
}

// Subscribe re-reads the whole service prefix after watch events, at most
// once per WatchRate tick.
func (c *Client) Subscribe(service string, fn naming.Listener) (func(), error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(c.ctx)
	instances, err := c.Instances(ctx, service)
	if err != nil {
		cancel()
		return nil, err
	}
	fn(service, instances)

	var (
		limiter = rate.NewLimiter(c.opt.WatchRate, 1)
		wch     = c.cli.Watch(ctx, c.prefix(service), clientv3.WithPrefix())
	)

	go func() {
		for range wch {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			instances, err := c.Instances(ctx, service)
			if err != nil {
				if ctx.Err() == nil {
					logger.Logger.Warn("etcd refetch failed", zap.String("service", service), zap.Error(err))
				}
				continue
			}
			fn(service, instances)
		}
	}()

	return cancel, nil
}

// Close revokes every lease taken by the client, which removes its
// instances, and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	leases := c.leases
	c.leases = nil
	c.mu.Unlock()

	c.closefn()

	var errs error
	ctx, cancel := context.WithTimeout(context.Background(), c.opt.DialTimeout)
	defer cancel()
	for key, lease := range leases {
		if _, err := c.cli.Revoke(ctx, lease); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("revoke %s: %w", key, err))
		}
	}

	c.inflight.Wait()
	return multierr.Append(errs, c.cli.Close())
}
