package config

import (
	"fmt"
	"time"

	"github.com/hysios/mxreg/errors"
	"github.com/stretchr/objx"
)

type (
	Map   = objx.Map
	Value = objx.Value
)

// NewMap wraps vals for selector access. A nil vals gives an empty map.
func NewMap(vals map[string]interface{}) Map {
	if vals == nil {
		vals = make(map[string]interface{})
	}
	return objx.New(vals)
}

type Config struct {
	defaults  Map
	providers []ConfigProvider
}

// NewConfig returns a new config. Later providers take precedence over
// earlier ones, and all of them over defaults.
func NewConfig(defaults map[string]interface{}, providers ...ConfigProvider) *Config {
	return &Config{
		defaults:  NewMap(defaults),
		providers: providers,
	}
}

func (c *Config) reverseProviders() []ConfigProvider {
	var providers = make([]ConfigProvider, len(c.providers))
	for i, p := range c.providers {
		providers[len(c.providers)-i-1] = p
	}

	return providers
}

// Get returns the value of the given selector.
func (c *Config) Get(selector string) (val *Value, ok bool) {
	for _, p := range c.reverseProviders() {
		if val, ok = p.LookupPath(selector); ok {
			return
		}
	}

	val = c.defaults.Get(selector)
	ok = !val.IsNil()
	return
}

// Set sets the value of the given selector on the highest provider.
func (c *Config) Set(selector string, val interface{}) (old interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Wrap(p)
		}
	}()

	providers := c.reverseProviders()
	if len(providers) == 0 {
		old = c.defaults.Get(selector).Data()
		c.defaults.Set(selector, val)
		return old, nil
	}
	return providers[0].Set(selector, val)
}

func (c *Config) Update(vals map[string]interface{}) Map {
	var m = Map{}
	for _, p := range c.reverseProviders() {
		m.MergeHere(p.Update(vals))
	}

	return m
}

func (c *Config) All() Map {
	var m = c.defaults.Copy()
	for _, p := range c.providers {
		m.MergeHere(p.Data())
	}

	return m
}

// Str returns the string value of the given selector.
func (c *Config) Str(selector string) string {
	val, ok := c.Get(selector)
	if !ok {
		return ""
	}
	if s, ok := val.Data().(string); ok {
		return s
	}
	return fmt.Sprint(val.Data())
}

// Int returns the int value of the given selector.
func (c *Config) Int(selector string) int {
	val, ok := c.Get(selector)
	if !ok {
		return 0
	}
	switch x := val.Data().(type) {
	case float64:
		return int(x)
	case int64:
		return int(x)
	}
	return val.Int()
}

// Bool returns the bool value of the given selector.
func (c *Config) Bool(selector string) bool {
	val, ok := c.Get(selector)
	if !ok {
		return false
	}
	return val.Bool()
}

// Float64 returns the float64 value of the given selector.
func (c *Config) Float64(selector string) float64 {
	val, ok := c.Get(selector)
	if !ok {
		return 0
	}
	switch x := val.Data().(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	}
	return val.Float64()
}

// Duration returns the duration value of the given selector. Strings are
// parsed with time.ParseDuration, numbers are nanoseconds.
func (c *Config) Duration(selector string) time.Duration {
	val, ok := c.Get(selector)
	if !ok {
		return 0
	}

	switch x := val.Data().(type) {
	case string:
		d, err := time.ParseDuration(x)
		if err != nil {
			return 0
		}
		return d
	case time.Duration:
		return x
	case int:
		return time.Duration(x)
	case int64:
		return time.Duration(x)
	case float64:
		return time.Duration(x)
	default:
		return 0
	}
}

// StringSlice returns the string slice value of the given selector. A
// single string is returned as a one-element slice.
func (c *Config) StringSlice(selector string) []string {
	val, ok := c.Get(selector)
	if !ok {
		return nil
	}

	switch x := val.Data().(type) {
	case string:
		return []string{x}
	case []string:
		return x
	case []interface{}:
		ss := make([]string, 0, len(x))
		for _, v := range x {
			ss = append(ss, fmt.Sprint(v))
		}
		return ss
	}
	return val.StrSlice()
}

// Map returns the map value of the given selector.
func (c *Config) Map(selector string) map[string]interface{} {
	val, ok := c.Get(selector)
	if !ok {
		return nil
	}
	return map[string]interface{}(val.ObjxMap())
}
