package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hysios/mxreg"
	"github.com/hysios/mxreg/address"
	"github.com/hysios/mxreg/logger"
	"github.com/hysios/mxreg/naming"
	"github.com/kr/pretty"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func registryFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "registry",
		Usage:    "registry address, e.g. consul://127.0.0.1:8500/org.apache.dubbo.registry.RegistryService?namespace=prod",
		Required: true,
		Aliases: []string{
			"r",
		},
	}
}

func registryURL(c *cli.Context) (*address.URL, error) {
	return address.Parse(c.String("registry"))
}

func serviceURLs(c *cli.Context) ([]*address.URL, error) {
	if c.NArg() == 0 {
		return nil, fmt.Errorf("%s: missing service address", c.Command.Name)
	}

	urls := make([]*address.URL, 0, c.NArg())
	for _, arg := range c.Args().Slice() {
		u, err := address.Parse(arg)
		if err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, nil
}

func keyCmd() *cli.Command {
	return &cli.Command{
		Name:      "key",
		Usage:     "print the cache key each registry address resolves to",
		ArgsUsage: "<registry address>...",
		Action: func(c *cli.Context) error {
			urls, err := serviceURLs(c)
			if err != nil {
				return err
			}

			f, err := setupFactory(c)
			if err != nil {
				return err
			}

			for _, u := range urls {
				key, err := f.Key(u)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, key)
			}
			return nil
		},
	}
}

func registerCmd() *cli.Command {
	return &cli.Command{
		Name:      "register",
		Usage:     "register service addresses and keep them registered until interrupted",
		ArgsUsage: "<service address>...",
		Flags: []cli.Flag{
			registryFlag(),
			&cli.DurationFlag{
				Name:  "for",
				Usage: "deregister after this long instead of waiting for a signal",
			},
		},
		Action: func(c *cli.Context) error {
			urls, err := serviceURLs(c)
			if err != nil {
				return err
			}
			regURL, err := registryURL(c)
			if err != nil {
				return err
			}

			f, err := setupFactory(c)
			if err != nil {
				return err
			}
			defer func() { LogError(f.DestroyAll()) }()

			reg, err := f.GetRegistry(c.Context, regURL)
			if err != nil {
				return err
			}

			for _, u := range urls {
				if err := reg.Register(c.Context, u); err != nil {
					return err
				}
				logger.Cli.Info("registered", zap.String("service", mxreg.ServiceName(u)), zap.String("url", u.String()))
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if d := c.Duration("for"); d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			<-ctx.Done()

			for _, u := range urls {
				LogError(reg.Unregister(context.Background(), u))
			}
			return nil
		},
	}
}

func lookupCmd() *cli.Command {
	return &cli.Command{
		Name:      "lookup",
		Usage:     "print the healthy providers of a service",
		ArgsUsage: "<service address>",
		Flags: []cli.Flag{
			registryFlag(),
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "keep printing the providers on every change until interrupted",
				Aliases: []string{
					"w",
				},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "lookup timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			urls, err := serviceURLs(c)
			if err != nil {
				return err
			}
			regURL, err := registryURL(c)
			if err != nil {
				return err
			}

			f, err := setupFactory(c)
			if err != nil {
				return err
			}
			defer func() { LogError(f.DestroyAll()) }()

			reg, err := f.GetRegistry(c.Context, regURL)
			if err != nil {
				return err
			}

			service := urls[0]
			if !c.Bool("watch") {
				ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
				defer cancel()

				providers, err := reg.Lookup(ctx, service)
				if err != nil {
					return err
				}
				for _, p := range providers {
					fmt.Fprintln(c.App.Writer, p.String())
				}
				return nil
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = reg.Subscribe(service, func(providers []*address.URL) {
				fmt.Fprintf(c.App.Writer, "# %s %d providers\n", mxreg.ServiceName(service), len(providers))
				for _, p := range providers {
					fmt.Fprintln(c.App.Writer, p.String())
				}
			})
			if err != nil {
				return err
			}
			<-ctx.Done()
			return reg.Unsubscribe(service)
		},
	}
}

func settingsCmd() *cli.Command {
	return &cli.Command{
		Name:  "settings",
		Usage: "print the effective registry settings",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "%# v\n", pretty.Formatter(cfg.Registry()))
			fmt.Fprintf(c.App.Writer, "backends: %s\n", strings.Join(naming.Backends(), ", "))
			return nil
		},
	}
}
