// Package discovery advertises filedrop receivers over mDNS and finds them
// from the sending side.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	DefaultService         = "_filedrop._tcp"
	DefaultDomain          = "local."
	DefaultVersion         = 1
	DefaultRefreshInterval = 10 * time.Second
	DefaultScanTimeout     = 3 * time.Second
	// DefaultTTL is in seconds.
	DefaultTTL = 120
)

var (
	ErrPeerNotFound   = errors.New("discovery: peer not found")
	ErrScannerStopped = errors.New("discovery: scanner stopped")
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config is shared by the broadcaster and the scanner. Zero values take
// the package defaults.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32
	// PeerStaleAfter is how long a receiver missing from scans stays
	// listed. Defaults to twice the TTL.
	PeerStaleAfter time.Duration

	SelfDeviceID  string
	DeviceName    string
	ListeningPort int
	ChunkSize     int

	Logger *logrus.Entry

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	setDefault(&c.Service, DefaultService)
	setDefault(&c.Domain, DefaultDomain)
	setDefault(&c.Version, DefaultVersion)
	setDefault(&c.TTL, DefaultTTL)
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.PeerStaleAfter <= 0 {
		c.PeerStaleAfter = 2 * time.Duration(c.TTL) * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if c.registerFn == nil {
		c.registerFn = zeroconf.Register
	}
	return c
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Advert is what a receiver publishes about itself.
type Advert struct {
	Instance string
	Port     int
	TXT      []string
}

func (c Config) advert() (Advert, error) {
	var problems []error
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		problems = append(problems, errors.New("device id is empty"))
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		problems = append(problems, errors.New("device name is empty"))
	}
	if c.ListeningPort <= 0 || c.ListeningPort > 65535 {
		problems = append(problems, fmt.Errorf("port %d out of range", c.ListeningPort))
	}
	if err := errors.Join(problems...); err != nil {
		return Advert{}, fmt.Errorf("invalid advert: %w", err)
	}

	txt := []string{"device_id=" + c.SelfDeviceID, "version=" + strconv.Itoa(c.Version)}
	if c.ChunkSize > 0 {
		txt = append(txt, "chunk_size="+strconv.Itoa(c.ChunkSize))
	}
	return Advert{Instance: c.DeviceName, Port: c.ListeningPort, TXT: txt}, nil
}

// Broadcaster keeps a receiver's advert registered until Stop.
type Broadcaster struct {
	advert Advert
	server *zeroconf.Server
}

// StartBroadcaster registers the receiver described by config.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	advert, err := cfg.advert()
	if err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(advert.Instance, cfg.Service, cfg.Domain, advert.Port, advert.TXT, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	cfg.Logger.WithFields(logrus.Fields{
		"service":  cfg.Service,
		"instance": advert.Instance,
		"port":     advert.Port,
	}).Info("advertising receiver")
	return &Broadcaster{advert: advert, server: server}, nil
}

// Advert returns what is being published.
func (b *Broadcaster) Advert() Advert {
	return b.advert
}

// Stop withdraws the advert.
func (b *Broadcaster) Stop() {
	if b != nil && b.server != nil {
		b.server.Shutdown()
	}
}

// Lookup scans once and returns the receiver whose device id matches target
// exactly or whose name matches it case-insensitively.
func Lookup(ctx context.Context, config Config, target string) (DiscoveredPeer, error) {
	scanner, err := NewPeerScanner(config)
	if err != nil {
		return DiscoveredPeer{}, err
	}
	peers, err := scanner.ScanOnce(ctx)
	if err != nil {
		return DiscoveredPeer{}, err
	}
	for _, peer := range peers {
		if peer.DeviceID == target || strings.EqualFold(peer.DeviceName, target) {
			return peer, nil
		}
	}
	return DiscoveredPeer{}, fmt.Errorf("%w: %s", ErrPeerNotFound, target)
}
