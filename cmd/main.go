package main

import (
	"os"

	"github.com/hysios/mxreg/logger"
	_ "github.com/hysios/mxreg/naming/consul"
	_ "github.com/hysios/mxreg/naming/etcd"
	_ "github.com/hysios/mxreg/naming/memory"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "mxreg",
		Usage: "mxreg resolves, registers and looks up services through shared registry handles",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "config file (yaml, json or toml)",
				EnvVars: []string{"MXREG_CONFIG"},
				Aliases: []string{
					"c",
				},
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "naming backend for addresses that name none (memory, consul, etcd)",
			},
			&cli.StringFlag{
				Name:  "default-namespace",
				Usage: "namespace treated as no namespace",
			},
			&cli.BoolFlag{
				Name:  "redis-config",
				Usage: "also read settings from redis (REDIS_ADDR, REDIS_PORT, REDIS_PASSWORD, REDIS_DB, CONFIG_NAME)",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "verbose output",
				Aliases: []string{
					"v",
				},
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				l, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				logger.SetLogger(l)
			}
			return nil
		},
		Commands: []*cli.Command{
			keyCmd(),
			registerCmd(),
			lookupCmd(),
			settingsCmd(),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		LogError(err)
		os.Exit(1)
	}
}

func LogError(err error) {
	if err != nil {
		logger.Cli.Error("run command failed", zap.Error(err))
	}
}
