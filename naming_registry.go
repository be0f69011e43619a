package mxreg

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/hysios/mxreg/address"
	"github.com/hysios/mxreg/errors"
	"github.com/hysios/mxreg/logger"
	"github.com/hysios/mxreg/naming"
	"github.com/hysios/mxreg/registry"
	"go.uber.org/zap"
)

const (
	DefaultCategory = "providers"

	metaProtocol = "protocol"
	metaPath     = "path"
)

// NamingRegistry is a registry.Registry backed by a naming.Client.
type NamingRegistry struct {
	url    *address.URL
	client naming.Client

	mu            sync.Mutex
	closed        bool
	registered    map[string]*address.URL
	subscriptions map[string][]func()
}

var _ registry.Registry = (*NamingRegistry)(nil)

func NewNamingRegistry(u *address.URL, client naming.Client) *NamingRegistry {
	return &NamingRegistry{
		url:           u,
		client:        client,
		registered:    make(map[string]*address.URL),
		subscriptions: make(map[string][]func()),
	}
}

// ServiceName returns the naming-service name of u:
// category:interface:version:group.
func ServiceName(u *address.URL) string {
	return strings.Join([]string{
		u.ParameterOr(address.CategoryKey, DefaultCategory),
		u.Interface(),
		u.Parameter(address.VersionKey),
		u.Parameter(address.GroupKey),
	}, ":")
}

func toInstance(u *address.URL) naming.Instance {
	var (
		meta      = u.Parameters()
		weight, _ = strconv.ParseFloat(u.Parameter("weight"), 64)
	)
	meta[metaProtocol] = u.Protocol()
	meta[metaPath] = u.Path()

	return naming.Instance{
		ID:       fmt.Sprintf("%s#%d#%s", u.Host(), u.Port(), ServiceName(u)),
		IP:       u.Host(),
		Port:     u.Port(),
		Weight:   weight,
		Healthy:  true,
		Metadata: meta,
	}
}

func toURL(inst naming.Instance) *address.URL {
	var (
		params   = make(map[string]string, len(inst.Metadata))
		protocol = inst.Metadata[metaProtocol]
		path     = inst.Metadata[metaPath]
	)
	for k, v := range inst.Metadata {
		if k == metaProtocol || k == metaPath {
			continue
		}
		params[k] = v
	}
	return address.New(protocol, inst.IP, inst.Port, path, params)
}

func toURLs(instances []naming.Instance) []*address.URL {
	urls := make([]*address.URL, 0, len(instances))
	for _, inst := range instances {
		if !inst.Healthy {
			continue
		}
		urls = append(urls, toURL(inst))
	}
	return urls
}

func (r *NamingRegistry) URL() *address.URL { return r.url }

func (r *NamingRegistry) IsAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

func (r *NamingRegistry) Register(ctx context.Context, u *address.URL) error {
	if !r.IsAvailable() {
		return errors.ErrClosed
	}

	if err := r.client.RegisterInstance(ctx, ServiceName(u), toInstance(u)); err != nil {
		return err
	}

	r.mu.Lock()
	if !r.closed {
		r.registered[u.FullString()] = u
	}
	r.mu.Unlock()

	logger.Logger.Info("registered", zap.String("service", ServiceName(u)), zap.String("url", u.String()))
	return nil
}

func (r *NamingRegistry) Unregister(ctx context.Context, u *address.URL) error {
	if !r.IsAvailable() {
		return errors.ErrClosed
	}

	if err := r.client.DeregisterInstance(ctx, ServiceName(u), toInstance(u)); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.registered, u.FullString())
	r.mu.Unlock()
	return nil
}

// Subscribe calls listener with the healthy providers of the service u
// consumes, now and on every change.
func (r *NamingRegistry) Subscribe(u *address.URL, listener registry.NotifyListener) error {
	if !r.IsAvailable() {
		return errors.ErrClosed
	}

	stop, err := r.client.Subscribe(ServiceName(u), func(_ string, instances []naming.Instance) {
		listener(toURLs(instances))
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		stop()
		return errors.ErrClosed
	}
	key := u.FullString()
	r.subscriptions[key] = append(r.subscriptions[key], stop)
	return nil
}

// Unsubscribe stops every subscription made with u.
func (r *NamingRegistry) Unsubscribe(u *address.URL) error {
	r.mu.Lock()
	stops := r.subscriptions[u.FullString()]
	delete(r.subscriptions, u.FullString())
	r.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	return nil
}

func (r *NamingRegistry) Lookup(ctx context.Context, u *address.URL) ([]*address.URL, error) {
	if !r.IsAvailable() {
		return nil, errors.ErrClosed
	}

	instances, err := r.client.Instances(ctx, ServiceName(u))
	if err != nil {
		return nil, err
	}
	return toURLs(instances), nil
}

// Registered returns the addresses registered through r.
func (r *NamingRegistry) Registered() []*address.URL {
	r.mu.Lock()
	defer r.mu.Unlock()

	urls := make([]*address.URL, 0, len(r.registered))
	for _, u := range r.registered {
		urls = append(urls, u)
	}
	return urls
}

// Close stops all subscriptions and closes the naming client, which drops
// the instances registered through it. Closing twice is a no-op.
func (r *NamingRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subscriptions := r.subscriptions
	r.subscriptions = nil
	r.registered = nil
	r.mu.Unlock()

	for _, stops := range subscriptions {
		for _, stop := range stops {
			stop()
		}
	}

	err := r.client.Close()
	logger.Logger.Debug("registry closed", zap.String("url", r.url.String()), zap.Error(err))
	return err
}
