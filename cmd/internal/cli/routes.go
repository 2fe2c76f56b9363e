package cli

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/spf13/viper"

	"lds.li/netroute/route"
)

// HostList is a flag.Value collecting repeated host flags in order.
type HostList []route.Host

func (l *HostList) String() string {
	s := make([]string, len(*l))
	for i, h := range *l {
		s[i] = h.String()
	}
	return strings.Join(s, ", ")
}

func (l *HostList) Set(value string) error {
	h, err := route.ParseHost(value)
	if err != nil {
		return err
	}
	*l = append(*l, h)
	return nil
}

// RouteConfig is the textual form of a route, as found in a route file.
type RouteConfig struct {
	Target    string   `mapstructure:"target"`
	Local     string   `mapstructure:"local"`
	Proxies   []string `mapstructure:"proxies"`
	Tunnelled bool     `mapstructure:"tunnelled"`
	Layered   bool     `mapstructure:"layered"`
	Secure    bool     `mapstructure:"secure"`
}

// Route parses c into a route.
func (c RouteConfig) Route() (*route.Route, error) {
	target, err := route.ParseHost(c.Target)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	local, err := ParseLocal(c.Local)
	if err != nil {
		return nil, err
	}
	proxies := make([]route.Host, 0, len(c.Proxies))
	for i, p := range c.Proxies {
		h, err := route.ParseHost(p)
		if err != nil {
			return nil, fmt.Errorf("proxy %d: %w", i, err)
		}
		proxies = append(proxies, h)
	}
	return route.New(target, local, proxies, c.Tunnelled, c.Layered, c.Secure)
}

// ParseLocal parses an optional local bind address. The empty string means
// any address.
func ParseLocal(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("local address: %w", err)
	}
	return a, nil
}

// RouteFile is the content of a route file.
type RouteFile struct {
	// Routes by name. Names are case-insensitive.
	Routes map[string]RouteConfig `mapstructure:"routes"`
	Log    LogConfig            `mapstructure:"log"`
}

// ErrRouteNotFound is returned by RouteFile.Lookup for unknown names.
var ErrRouteNotFound = errors.New("route not found")

// Lookup returns the named route.
func (f *RouteFile) Lookup(name string) (*route.Route, error) {
	rc, ok := f.Routes[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRouteNotFound, name)
	}
	r, err := rc.Route()
	if err != nil {
		return nil, fmt.Errorf("route %q: %w", name, err)
	}
	return r, nil
}

// LoadRouteFile reads a YAML route file. Log settings may be overridden by
// NETROUTE_LOG_* environment variables, e.g. NETROUTE_LOG_LEVEL=debug.
func LoadRouteFile(path string, defaults LogConfig) (*RouteFile, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("NETROUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", defaults.Level)
	v.SetDefault("log.format", defaults.Format)
	v.SetDefault("log.outputs", defaults.Outputs)
	v.SetDefault("log.rotation.enable", defaults.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", defaults.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", defaults.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", defaults.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", defaults.Rotation.Compress)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	defer f.Close()
	if err := v.ReadConfig(f); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var rf RouteFile
	if err := v.Unmarshal(&rf); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &rf, nil
}
