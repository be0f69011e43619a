// Package memory is an in-process naming backend. Clients opened for the
// same address share one server, so they see each other's instances.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/hysios/mxreg/address"
	"github.com/hysios/mxreg/errors"
	"github.com/hysios/mxreg/naming"
)

func init() {
	naming.Register("memory", func() naming.Backend {
		return naming.BackendFunc(func(u *address.URL) (naming.Client, error) {
			return NewClient(ServerFor(u.Address()), u.Parameter(address.NamespaceKey)), nil
		})
	})
}

var (
	serversMu sync.Mutex
	servers   = make(map[string]*Server)
)

// ServerFor returns the shared server for addr, creating it on first use.
func ServerFor(addr string) *Server {
	serversMu.Lock()
	defer serversMu.Unlock()

	srv, ok := servers[addr]
	if !ok {
		srv = NewServer()
		servers[addr] = srv
	}
	return srv
}

type watcher struct {
	service string
	fn      naming.Listener
}

// Server holds instances per namespaced service name.
type Server struct {
	mu       sync.Mutex
	services map[string]map[string]naming.Instance
	watchers map[string]map[int]watcher
	seq      int
}

func NewServer() *Server {
	return &Server{
		services: make(map[string]map[string]naming.Instance),
		watchers: make(map[string]map[int]watcher),
	}
}

func (s *Server) put(key string, inst naming.Instance) {
	s.mu.Lock()
	set, ok := s.services[key]
	if !ok {
		set = make(map[string]naming.Instance)
		s.services[key] = set
	}
	set[inst.ID] = inst
	s.mu.Unlock()

	s.notify(key)
}

func (s *Server) remove(key, id string) {
	s.mu.Lock()
	_, ok := s.services[key][id]
	delete(s.services[key], id)
	s.mu.Unlock()

	if ok {
		s.notify(key)
	}
}

func (s *Server) list(key string) []naming.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(key)
}

func (s *Server) listLocked(key string) []naming.Instance {
	instances := make([]naming.Instance, 0, len(s.services[key]))
	for _, inst := range s.services[key] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances
}

func (s *Server) watch(key string, w watcher) (int, []naming.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[int]watcher)
	}
	s.watchers[key][s.seq] = w
	return s.seq, s.listLocked(key)
}

func (s *Server) unwatch(key string, id int) {
	s.mu.Lock()
	delete(s.watchers[key], id)
	s.mu.Unlock()
}

func (s *Server) notify(key string) {
	s.mu.Lock()
	var (
		instances = s.listLocked(key)
		ws        = make([]watcher, 0, len(s.watchers[key]))
	)
	for _, w := range s.watchers[key] {
		ws = append(ws, w)
	}
	s.mu.Unlock()

	for _, w := range ws {
		w.fn(w.service, instances)
	}
}

// Client is a session on a Server scoped to one namespace.
type Client struct {
	srv       *Server
	namespace string

	mu         sync.Mutex
	closed     bool
	registered map[string]string // instance id -> key
	watches    map[int]string    // watch id -> key
}

func NewClient(srv *Server, namespace string) *Client {
	return &Client{
		srv:        srv,
		namespace:  namespace,
		registered: make(map[string]string),
		watches:    make(map[int]string),
	}
}

func (c *Client) key(service string) string {
	return c.namespace + "/" + service
}

func (c *Client) RegisterInstance(ctx context.Context, service string, inst naming.Instance) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.ErrClosed
	}
	key := c.key(service)
	c.registered[inst.ID] = key
	c.mu.Unlock()

	c.srv.put(key, inst)
	return nil
}

func (c *Client) DeregisterInstance(ctx context.Context, service string, inst naming.Instance) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.ErrClosed
	}
	delete(c.registered, inst.ID)
	c.mu.Unlock()

	c.srv.remove(c.key(service), inst.ID)
	return nil
}

func (c *Client) Instances(ctx context.Context, service string) ([]naming.Instance, error) {
	if c.isClosed() {
		return nil, errors.ErrClosed
	}
	return c.srv.list(c.key(service)), nil
}

func (c *Client) Subscribe(service string, fn naming.Listener) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.ErrClosed
	}
	key := c.key(service)
	id, current := c.srv.watch(key, watcher{service: service, fn: fn})
	c.watches[id] = key
	c.mu.Unlock()

	fn(service, current)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watches, id)
			c.mu.Unlock()
			c.srv.unwatch(key, id)
		})
	}, nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close drops every watch and instance owned by the client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	registered, watches := c.registered, c.watches
	c.registered, c.watches = nil, nil
	c.mu.Unlock()

	for id, key := range watches {
		c.srv.unwatch(key, id)
	}
	for id, key := range registered {
		c.srv.remove(key, id)
	}
	return nil
}
