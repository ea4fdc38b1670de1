package dhtcrawl

import (
	"flag"
	"strconv"
	"time"

	"github.com/taipei-labs/dhtcrawl/bootstrap"
	"github.com/taipei-labs/dhtcrawl/kbucket"
	"github.com/taipei-labs/dhtcrawl/logger"
	"github.com/taipei-labs/dhtcrawl/lookup"
	"github.com/taipei-labs/dhtcrawl/nodeid"
	"github.com/taipei-labs/dhtcrawl/token"
)

// Config for the DHT session. Use NewConfig to create a configuration with
// default values; the zero Config is not directly usable since several
// fields would otherwise mean "disabled" rather than "default".
type Config struct {
	// Address to bind the UDP socket on. If blank, the wildcard address for
	// UDPProto is used.
	Address string
	// BindPort is the UDP port to listen on. If zero, the OS picks one.
	BindPort uint16
	// UDPProto selects the socket family: "udp4" or "udp6".
	UDPProto string
	// NodeID, if set, is used as the local node id instead of generating a
	// fresh one. Callers that want identity to survive a restart should
	// persist NodeID themselves and pass it back in here.
	NodeID *nodeid.NodeID
	// BootstrapRouters is a comma-separated list of "host:port" well-known
	// DHT routers used to seed the routing table on Start.
	BootstrapRouters string
	// MaxNodes caps how aggressively this node tries to grow its routing
	// table; once roughly half of MaxNodes is reached, periodic
	// re-bootstrapping stops.
	MaxNodes int
	// CleanupPeriod is how often the session considers re-bootstrapping.
	// Stale transactions are swept on a separate, fixed one-second cadence.
	CleanupPeriod time.Duration
	// RateLimit is the maximum inbound packets per second processed before
	// the rest are dropped. Zero disables the global budget check.
	RateLimit int
	// ClientPerMinuteLimit protects against a single noisy source IP.
	ClientPerMinuteLimit int
	// ThrottlerTrackedClients bounds how many distinct source IPs get their
	// own per-client limiter at once.
	ThrottlerTrackedClients int

	// K is the per-bucket and per-lookup-result capacity.
	K int
	// Alpha is the iterative-lookup parallelism factor.
	Alpha int
	// LookupDeadlineMs bounds how long a single find_nodes/get_peers call
	// will wait before returning whatever it has gathered.
	LookupDeadlineMs int64
	// QueryTimeoutMs is how long a single outstanding query within a lookup
	// waits for a reply before being considered timed out.
	QueryTimeoutMs int64
	// TokenRotationS is how often the announce_peer token secret rotates.
	TokenRotationS int64
	// BootstrapPingWindowMs bounds how long the bootstrap procedure waits,
	// after pinging the seed routers, for the first reply. If none arrives
	// within the window, the bootstrap fails without running random lookups.
	BootstrapPingWindowMs int64
	// BootstrapDeadlineMs bounds the whole bootstrap procedure, pings and
	// random lookups included.
	BootstrapDeadlineMs int64
	// Logger receives debug/info/error traces from the session. Nil (the
	// default) costs nothing: the session falls back to logger.NullLogger,
	// whose methods do not format or print anything. Pass
	// &logger.StdLogger{} to get the equivalent of the old always-on
	// behavior, or any other DebugLogger implementation.
	Logger logger.DebugLogger
}

// NewConfig returns a Config populated with the package's normative
// defaults.
func NewConfig() *Config {
	return &Config{
		BindPort:                6881,
		UDPProto:                "udp4",
		BootstrapRouters:        "router.bittorrent.com:6881,router.utorrent.com:6881,dht.transmissionbt.com:6881",
		MaxNodes:                500,
		CleanupPeriod:           15 * time.Minute,
		RateLimit:               100,
		ClientPerMinuteLimit:    50,
		ThrottlerTrackedClients: 1000,

		K:                kbucket.K,
		Alpha:            lookup.Alpha,
		LookupDeadlineMs: lookup.Deadline.Milliseconds(),
		QueryTimeoutMs:   lookup.QueryTimeout.Milliseconds(),
		TokenRotationS:   int64(token.RotationInterval / time.Second),

		BootstrapPingWindowMs: bootstrap.PingWindow.Milliseconds(),
		BootstrapDeadlineMs:   bootstrap.Deadline.Milliseconds(),
	}
}

// DefaultConfig is the Config RegisterFlags populates when called with nil,
// and what New uses when given a nil Config.
var DefaultConfig = NewConfig()

// RegisterFlags registers Config's fields as command-line flags. If c is
// nil, DefaultConfig is used.
func RegisterFlags(c *Config) {
	if c == nil {
		c = DefaultConfig
	}
	flag.StringVar(&c.Address, "address", c.Address, "Local address to bind the UDP socket on.")
	flag.Func("port", "UDP port to listen on. 0 picks a random port.", func(v string) error {
		p, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return err
		}
		c.BindPort = uint16(p)
		return nil
	})
	flag.StringVar(&c.UDPProto, "udpProto", c.UDPProto, `Socket family: "udp4" or "udp6".`)
	flag.StringVar(&c.BootstrapRouters, "routers", c.BootstrapRouters,
		"Comma separated host:port addresses of DHT routers used to bootstrap the network.")
	flag.IntVar(&c.MaxNodes, "maxNodes", c.MaxNodes,
		"Periodic re-bootstrapping stops once the routing table holds half this many nodes.")
	flag.DurationVar(&c.CleanupPeriod, "cleanupPeriod", c.CleanupPeriod,
		"How often to consider re-bootstrapping.")
	flag.IntVar(&c.RateLimit, "rateLimit", c.RateLimit,
		"Maximum inbound packets per second to process. 0 disables the limit.")
	flag.IntVar(&c.ClientPerMinuteLimit, "clientPerMinuteLimit", c.ClientPerMinuteLimit,
		"Maximum packets per minute accepted from a single source IP.")
	flag.Int64Var(&c.BootstrapDeadlineMs, "bootstrapDeadlineMs", c.BootstrapDeadlineMs,
		"Milliseconds the startup bootstrap procedure is allowed before giving up.")
}

func (c Config) lookupConfig() lookup.Config {
	return lookup.Config{
		Alpha:        orInt(c.Alpha, lookup.Alpha),
		K:            orInt(c.K, lookup.K),
		QueryTimeout: orDuration(c.QueryTimeoutMs, lookup.QueryTimeout),
		Deadline:     orDuration(c.LookupDeadlineMs, lookup.Deadline),
	}
}

func (c Config) bootstrapConfig() bootstrap.Config {
	return bootstrap.Config{
		PingWindow: orDuration(c.BootstrapPingWindowMs, bootstrap.PingWindow),
		Deadline:   orDuration(c.BootstrapDeadlineMs, bootstrap.Deadline),
	}
}

func orInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func orDuration(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
