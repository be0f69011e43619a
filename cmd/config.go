package main

import (
	"net"
	"os"
	"strconv"

	"github.com/hysios/mxreg"
	"github.com/hysios/mxreg/address"
	"github.com/hysios/mxreg/config"
	redisprovider "github.com/hysios/mxreg/config/provider/redis"
	viperprovider "github.com/hysios/mxreg/config/provider/viper"
	"github.com/hysios/mxreg/errors"
	"github.com/hysios/mxreg/naming"
	"github.com/hysios/mxreg/registry"
	"github.com/hysios/x/utils"
	"github.com/urfave/cli/v2"
)

const envPrefix = "mxreg"

func redisOption() (*redisprovider.RedisOption, error) {
	var (
		redisAddr  = utils.Default(os.Getenv("REDIS_ADDR"), "127.0.0.1")
		redisPort  = utils.Default(os.Getenv("REDIS_PORT"), "6379")
		redisPass  = utils.Default(os.Getenv("REDIS_PASSWORD"), "")
		redisDB    = utils.Default(os.Getenv("REDIS_DB"), "0")
		configName = utils.Default(os.Getenv("CONFIG_NAME"), envPrefix+".config")
	)

	db, err := strconv.Atoi(redisDB)
	if err != nil {
		return nil, errors.Parse(redisDB, "REDIS_DB is not a number")
	}

	return &redisprovider.RedisOption{
		Addr:     net.JoinHostPort(redisAddr, redisPort),
		Password: redisPass,
		DB:       db,
		Key:      configName,
	}, nil
}

// loadConfig layers defaults, the config file and env, redis when asked
// for, and finally the global flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var providers []config.ConfigProvider

	vp, err := viperprovider.Load(c.String("config"), envPrefix)
	if err != nil {
		return nil, err
	}
	providers = append(providers, vp)

	if c.Bool("redis-config") {
		opt, err := redisOption()
		if err != nil {
			return nil, err
		}
		rp, err := redisprovider.NewRedisProvider(c.Context, opt)
		if err != nil {
			return nil, err
		}
		providers = append(providers, rp)
	}

	flags := config.NewMapProvider(nil)
	if c.IsSet("backend") {
		_, _ = flags.Set(config.KeyBackend, c.String("backend"))
	}
	if c.IsSet("default-namespace") {
		_, _ = flags.Set(config.KeyDefaultNamespace, c.String("default-namespace"))
	}
	providers = append(providers, flags)

	return config.NewConfig(config.Defaults(), providers...), nil
}

func newFactory(settings config.RegistrySettings) (*mxreg.RegistryFactory, error) {
	naming.SetDefaultBackend(settings.Backend)

	return mxreg.NewRegistryFactory(
		mxreg.WithDefaultNamespace(settings.DefaultNamespace),
		mxreg.WithOpen(func(u *address.URL) (naming.Client, error) {
			return naming.Open(settings.Apply(u))
		}),
		mxreg.WithCacheOptions(registry.WithCacheName("cli")),
	)
}

// setupFactory loads the settings and makes the resulting factory the
// process default.
func setupFactory(c *cli.Context) (*mxreg.RegistryFactory, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	f, err := newFactory(cfg.Registry())
	if err != nil {
		return nil, err
	}
	mxreg.SetDefault(f)
	return f, nil
}
