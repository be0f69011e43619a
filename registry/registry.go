// Package registry holds the registry handle contract and the
// singleton-per-key machinery factories build on: a Cache that constructs
// at most one handle per key, and a Factory that composes a key function
// and a constructor over it.
package registry

import (
	"context"
	"io"

	"github.com/hysios/mxreg/address"
)

// NotifyListener receives the full provider list of a subscribed service
// whenever it changes.
type NotifyListener func(urls []*address.URL)

// Registry publishes and subscribes service addresses on a discovery
// backend. A Registry is shared by every caller presenting an equivalent
// registry address and lives until it is closed by its factory.
type Registry interface {
	io.Closer

	// URL is the registry address the handle was built from.
	URL() *address.URL
	// IsAvailable reports whether the handle is still open.
	IsAvailable() bool

	Register(ctx context.Context, u *address.URL) error
	Unregister(ctx context.Context, u *address.URL) error
	Subscribe(u *address.URL, listener NotifyListener) error
	Unsubscribe(u *address.URL) error
	Lookup(ctx context.Context, u *address.URL) ([]*address.URL, error)
}
