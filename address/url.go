// Package address implements the immutable address descriptor used to
// describe providers, consumers and registries:
//
//	protocol://[username[:password]@]host[:port]/path?key1=value1&key2=value2
//
// Parameter values are kept exactly as they appear in the input. Values that
// embed another descriptor (export, refer) stay encoded until they are read
// with ParameterDecoded.
package address

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/hysios/mxreg/errors"
)

// Well-known parameter keys.
const (
	InterfaceKey = "interface"
	GroupKey     = "group"
	VersionKey   = "version"
	CategoryKey  = "category"
	NamespaceKey = "namespace"
	ProtocolKey  = "protocol"
	PortKey      = "port"
	BindPortKey  = "bind.port"
	ExportKey    = "export"
	ReferKey     = "refer"
	BackendKey   = "backend"
)

// URL is an immutable address descriptor. Every derivation returns a new
// value and leaves the receiver untouched.
type URL struct {
	protocol string
	username string
	password string
	host     string
	port     int
	path     string
	params   map[string]string
}

// New builds a URL from its parts. params is copied.
func New(protocol, host string, port int, path string, params map[string]string) *URL {
	u := &URL{
		protocol: protocol,
		host:     host,
		port:     port,
		path:     strings.TrimPrefix(path, "/"),
		params:   make(map[string]string, len(params)),
	}
	for k, v := range params {
		u.params[k] = v
	}
	return u
}

// Parse parses s into a URL.
func Parse(s string) (*URL, error) {
	var (
		rest = strings.TrimSpace(s)
		u    = &URL{params: make(map[string]string)}
	)

	if rest == "" {
		return nil, errors.Parse(s, "empty address")
	}

	if i := strings.IndexByte(rest, '?'); i >= 0 {
		for _, part := range strings.Split(rest[i+1:], "&") {
			if part == "" {
				continue
			}
			if j := strings.IndexByte(part, '='); j >= 0 {
				if j == 0 {
					return nil, errors.Parse(s, "parameter without key: "+part)
				}
				u.params[part[:j]] = part[j+1:]
			} else {
				u.params[part] = part
			}
		}
		rest = rest[:i]
	}

	if i := strings.Index(rest, "://"); i >= 0 {
		if i == 0 {
			return nil, errors.Parse(s, "missing protocol")
		}
		u.protocol = rest[:i]
		rest = rest[i+3:]
	}

	if i := strings.IndexByte(rest, '/'); i >= 0 {
		u.path = rest[i+1:]
		rest = rest[:i]
	}

	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		userinfo := rest[:i]
		rest = rest[i+1:]
		if j := strings.IndexByte(userinfo, ':'); j >= 0 {
			u.password = userinfo[j+1:]
			userinfo = userinfo[:j]
		}
		u.username = userinfo
	}

	hostport := rest
	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return nil, errors.Parse(s, "unterminated ipv6 host")
		}
		u.host = hostport[:end+1]
		hostport = hostport[end+1:]
		if hostport != "" && !strings.HasPrefix(hostport, ":") {
			return nil, errors.Parse(s, "unexpected characters after ipv6 host")
		}
	} else if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		u.host = hostport[:i]
		hostport = hostport[i:]
	} else {
		u.host = hostport
		hostport = ""
	}

	if strings.HasPrefix(hostport, ":") {
		port, err := strconv.Atoi(hostport[1:])
		if err != nil || port < 0 || port > 65535 {
			return nil, errors.Parse(s, "invalid port "+strconv.Quote(hostport[1:]))
		}
		u.port = port
	}

	return u, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) *URL {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

func (u *URL) Protocol() string { return u.protocol }
func (u *URL) Username() string { return u.username }
func (u *URL) Password() string { return u.password }
func (u *URL) Host() string     { return u.host }
func (u *URL) Port() int        { return u.port }
func (u *URL) Path() string     { return u.path }

// Address returns host[:port].
func (u *URL) Address() string {
	if u.port > 0 {
		return u.host + ":" + strconv.Itoa(u.port)
	}
	return u.host
}

// Parameter returns the raw value of key, or "" when absent.
func (u *URL) Parameter(key string) string {
	return u.params[key]
}

// ParameterOr returns the raw value of key, or def when absent or empty.
func (u *URL) ParameterOr(key, def string) string {
	if v := u.params[key]; v != "" {
		return v
	}
	return def
}

func (u *URL) HasParameter(key string) bool {
	_, ok := u.params[key]
	return ok
}

// Parameters returns a copy of the parameter set.
func (u *URL) Parameters() map[string]string {
	out := make(map[string]string, len(u.params))
	for k, v := range u.params {
		out[k] = v
	}
	return out
}

// ParameterDecoded returns the query-unescaped value of key. An absent key
// yields "" and no error.
func (u *URL) ParameterDecoded(key string) (string, error) {
	raw, ok := u.params[key]
	if !ok || raw == "" {
		return "", nil
	}

	v, err := url.QueryUnescape(raw)
	if err != nil {
		return "", errors.Parse(raw, err)
	}
	return v, nil
}

func (u *URL) clone() *URL {
	c := *u
	c.params = u.Parameters()
	return &c
}

// AddParameter returns a copy of u with key set to value. An empty key or
// value, or a value equal to the current one, returns u itself.
func (u *URL) AddParameter(key, value string) *URL {
	if key == "" || value == "" {
		return u
	}
	if old, ok := u.params[key]; ok && old == value {
		return u
	}

	c := u.clone()
	c.params[key] = value
	return c
}

// AddParameters returns a copy of u with every non-empty pair of params set.
func (u *URL) AddParameters(params map[string]string) *URL {
	c := u
	for k, v := range params {
		c = c.AddParameter(k, v)
	}
	return c
}

// RemoveParameter returns a copy of u without key.
func (u *URL) RemoveParameter(key string) *URL {
	return u.RemoveParameters(key)
}

func (u *URL) RemoveParameters(keys ...string) *URL {
	var found bool
	for _, k := range keys {
		if _, ok := u.params[k]; ok {
			found = true
			break
		}
	}
	if !found {
		return u
	}

	c := u.clone()
	for _, k := range keys {
		delete(c.params, k)
	}
	return c
}

func (u *URL) WithProtocol(protocol string) *URL {
	c := u.clone()
	c.protocol = protocol
	return c
}

func (u *URL) WithHost(host string) *URL {
	c := u.clone()
	c.host = host
	return c
}

func (u *URL) WithPort(port int) *URL {
	c := u.clone()
	c.port = port
	return c
}

func (u *URL) WithPath(path string) *URL {
	c := u.clone()
	c.path = strings.TrimPrefix(path, "/")
	return c
}

// Interface returns the interface parameter, falling back to the path.
func (u *URL) Interface() string {
	return u.ParameterOr(InterfaceKey, u.path)
}

// ServiceKey returns [group/]interface[:version].
func (u *URL) ServiceKey() string {
	iface := u.Interface()
	if iface == "" {
		return ""
	}

	var b strings.Builder
	if group := u.Parameter(GroupKey); group != "" {
		b.WriteString(group)
		b.WriteByte('/')
	}
	b.WriteString(iface)
	if version := u.Parameter(VersionKey); version != "" {
		b.WriteByte(':')
		b.WriteString(version)
	}
	return b.String()
}

// ServiceString returns the service identity of u: protocol, user info,
// address and ServiceKey, without any parameter. Embedded descriptors are
// never decoded.
func (u *URL) ServiceString() string {
	var b strings.Builder
	u.writeBase(&b, u.ServiceKey())
	return b.String()
}

// FullString returns u with its parameters sorted by key.
func (u *URL) FullString() string {
	var b strings.Builder
	u.writeBase(&b, u.path)

	if len(u.params) == 0 {
		return b.String()
	}

	keys := make([]string, 0, len(u.params))
	for k := range u.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(u.params[k])
	}
	return b.String()
}

func (u *URL) String() string {
	return u.FullString()
}

func (u *URL) writeBase(b *strings.Builder, path string) {
	if u.protocol != "" {
		b.WriteString(u.protocol)
		b.WriteString("://")
	}
	if u.username != "" {
		b.WriteString(u.username)
		if u.password != "" {
			b.WriteByte(':')
			b.WriteString(u.password)
		}
		b.WriteByte('@')
	}
	if u.host != "" {
		b.WriteString(u.Address())
	}
	if path != "" {
		b.WriteByte('/')
		b.WriteString(path)
	}
}

// Encode query-escapes u's full string so it can be embedded as a
// parameter value of another descriptor.
func Encode(u *URL) string {
	return url.QueryEscape(u.FullString())
}
