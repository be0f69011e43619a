package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/hysios/mxreg/address"
	"github.com/hysios/mxreg/naming"
)

const (
	KeyDefaultNamespace = "registry.default_namespace"
	KeyBackend          = "registry.backend"
	KeyConsulAddress    = "consul.address"
	KeyConsulScheme     = "consul.scheme"
	KeyConsulToken      = "consul.token"
	KeyEtcdEndpoints    = "etcd.endpoints"
	KeyEtcdDialTimeout  = "etcd.dial_timeout"
	KeyEtcdWatchRate    = "etcd.watch_rate"
)

// Defaults returns the default registry settings.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"registry": map[string]interface{}{
			"default_namespace": "dubbo",
			"backend":           "memory",
		},
		"consul": map[string]interface{}{
			"address": "127.0.0.1:8500",
			"scheme":  "http",
		},
		"etcd": map[string]interface{}{
			"endpoints":    []interface{}{"127.0.0.1:2379"},
			"dial_timeout": "3s",
			"watch_rate":   5.0,
		},
	}
}

type ConsulSettings struct {
	Address string
	Scheme  string
	Token   string
}

type EtcdSettings struct {
	Endpoints   []string
	DialTimeout time.Duration
	// WatchRate is the maximum number of re-fetches per second a
	// subscription makes.
	WatchRate float64
}

type RegistrySettings struct {
	DefaultNamespace string
	Backend          string
	Consul           ConsulSettings
	Etcd             EtcdSettings
}

// Registry reads the registry settings.
func (c *Config) Registry() RegistrySettings {
	return RegistrySettings{
		DefaultNamespace: c.Str(KeyDefaultNamespace),
		Backend:          c.Str(KeyBackend),
		Consul: ConsulSettings{
			Address: c.Str(KeyConsulAddress),
			Scheme:  c.Str(KeyConsulScheme),
			Token:   c.Str(KeyConsulToken),
		},
		Etcd: EtcdSettings{
			Endpoints:   c.StringSlice(KeyEtcdEndpoints),
			DialTimeout: c.Duration(KeyEtcdDialTimeout),
			WatchRate:   c.Float64(KeyEtcdWatchRate),
		},
	}
}

func setDefault(u *address.URL, key, value string) *address.URL {
	if u.HasParameter(key) {
		return u
	}
	return u.AddParameter(key, value)
}

// Apply fills in the backend settings u does not carry itself and pins the
// backend it opens with. Parameters already on u win.
func (s RegistrySettings) Apply(u *address.URL) *address.URL {
	backend := u.Parameter(address.BackendKey)
	if backend == "" {
		if _, ok := naming.Lookup(u.Protocol()); ok {
			backend = u.Protocol()
		} else {
			backend = s.Backend
		}
	}

	switch backend {
	case "consul":
		if u.Host() == "" && s.Consul.Address != "" {
			if parsed, err := address.Parse(s.Consul.Address); err == nil {
				u = u.WithHost(parsed.Host()).WithPort(parsed.Port())
			}
		}
		u = setDefault(u, "scheme", s.Consul.Scheme)
		u = setDefault(u, "token", s.Consul.Token)
	case "etcd":
		endpoints := s.Etcd.Endpoints
		if u.Host() == "" && len(endpoints) > 0 {
			if parsed, err := address.Parse(endpoints[0]); err == nil {
				u = u.WithHost(parsed.Host()).WithPort(parsed.Port())
			}
			endpoints = endpoints[1:]
		}
		u = setDefault(u, "backup", strings.Join(endpoints, ","))
		if s.Etcd.DialTimeout > 0 {
			u = setDefault(u, "timeout", strconv.FormatInt(s.Etcd.DialTimeout.Milliseconds(), 10))
		}
		if s.Etcd.WatchRate > 0 {
			u = setDefault(u, "watch_rate", strconv.FormatFloat(s.Etcd.WatchRate, 'f', -1, 64))
		}
	}

	return setDefault(u, address.BackendKey, backend)
}
