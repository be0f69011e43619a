package viper

import (
	"strings"
	"sync"

	"github.com/hysios/mxreg/config"
	"github.com/spf13/viper"
)

// ViperProvider serves the settings viper has loaded from files, env and
// flags. Writes stay in memory.
type ViperProvider struct {
	v *viper.Viper

	once sync.Once
	vals config.Map
}

// NewViperProvider creates a new ViperProvider instance.
func NewViperProvider(v *viper.Viper) *ViperProvider {
	return &ViperProvider{v: v}
}

// Load reads the named config file into a fresh viper instance. Environment
// variables prefixed with envPrefix override file values, so consul.token
// is read from MXREG_CONSUL_TOKEN.
func Load(path, envPrefix string) (*ViperProvider, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return NewViperProvider(v), nil
}

func (vp *ViperProvider) init() {
	vp.once.Do(func() {
		vp.vals = config.NewMap(vp.v.AllSettings())
	})
}

// LookupPath retrieves a value from the Viper configuration. Keys that only
// exist as environment variables are consulted too.
func (vp *ViperProvider) LookupPath(selector string) (val *config.Value, ok bool) {
	vp.init()

	if v := vp.vals.Get(selector); !v.IsNil() {
		return v, true
	}
	if raw := vp.v.Get(selector); raw != nil {
		return config.NewMap(map[string]interface{}{"v": raw}).Get("v"), true
	}
	return nil, false
}

// Set sets a value in the Viper configuration.
func (vp *ViperProvider) Set(selector string, value interface{}) (old interface{}, err error) {
	vp.init()

	old = vp.vals.Get(selector).Data()
	vp.vals.Set(selector, value)
	return old, nil
}

// Update updates the Viper configuration with a map of values.
func (vp *ViperProvider) Update(vals map[string]interface{}) config.Map {
	vp.init()

	for k, v := range vals {
		vp.vals.Set(k, v)
	}
	return vp.vals
}

// Data returns the data of the provider.
func (vp *ViperProvider) Data() config.Map {
	vp.init()
	return vp.vals
}
