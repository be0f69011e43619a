package mxreg

import (
	"strconv"

	"github.com/hysios/mxreg/address"
)

// DefaultNamespace is the namespace value treated as no namespace at all,
// matching how the config center reads it.
const DefaultNamespace = "dubbo"

// CacheKey derives the identity of the registry handle u should share.
//
// u is reduced to its service string, which drops every parameter and never
// resolves embedded descriptors. Then only the parameters that select a
// distinct registry are put back: namespace (unless it is the default) and
// the bound protocol and port.
func CacheKey(u *address.URL) (string, error) {
	return cacheKey(u, DefaultNamespace)
}

func cacheKey(u *address.URL, defaultNamespace string) (string, error) {
	var (
		namespace = u.Parameter(address.NamespaceKey)
		protocol  = u.Parameter(address.ProtocolKey)
		port      = u.Parameter(address.PortKey)
	)

	key, err := address.Parse(u.ServiceString())
	if err != nil {
		return "", err
	}

	if namespace != "" && namespace != defaultNamespace {
		key = key.AddParameter(address.NamespaceKey, namespace)
	}
	key = key.AddParameter(address.ProtocolKey, protocol)
	key = key.AddParameter(address.PortKey, port)

	return key.FullString(), nil
}

// ProviderURL returns the provider address embedded in the export parameter
// of u, or nil when there is none. A malformed export value is an error.
func ProviderURL(u *address.URL) (*address.URL, error) {
	export, err := u.ParameterDecoded(address.ExportKey)
	if err != nil {
		return nil, err
	}
	if export == "" {
		return nil, nil
	}
	return address.Parse(export)
}

// WithProvider aligns u with the endpoint its export parameter is bound to
// by setting the protocol and port parameters. The port is the provider's
// bind.port, or its own port when bind.port is absent.
func WithProvider(u *address.URL) (*address.URL, error) {
	provider, err := ProviderURL(u)
	if err != nil || provider == nil {
		return u, err
	}

	port := provider.Parameter(address.BindPortKey)
	if port == "" && provider.Port() > 0 {
		port = strconv.Itoa(provider.Port())
	}

	return u.
		AddParameter(address.ProtocolKey, provider.Protocol()).
		AddParameter(address.PortKey, port), nil
}
