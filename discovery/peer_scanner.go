package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// EventType identifies a change in the set of visible receivers.
type EventType string

const (
	EventPeerUpserted EventType = "peer_upserted"
	EventPeerRemoved  EventType = "peer_removed"
)

// Event reports one receiver appearing, changing or going away.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is a filedrop receiver found on the LAN.
type DiscoveredPeer struct {
	DeviceID   string
	DeviceName string
	Version    int
	ChunkSize  int
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

// Address returns a dialable host:port, preferring IPv4.
func (p DiscoveredPeer) Address() string {
	host := strings.TrimSuffix(p.HostName, ".")
	for _, addr := range p.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			host = addr
			break
		}
	}
	if host == "" && len(p.Addresses) > 0 {
		host = p.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

func (p DiscoveredPeer) sameAs(other DiscoveredPeer) bool {
	if p.DeviceID != other.DeviceID ||
		p.DeviceName != other.DeviceName ||
		p.Version != other.Version ||
		p.ChunkSize != other.ChunkSize ||
		p.HostName != other.HostName ||
		p.Port != other.Port {
		return false
	}
	return strings.Join(p.Addresses, ",") == strings.Join(other.Addresses, ",")
}

// PeerScanner browses for receivers periodically and on demand. Scans are
// serialized; Refresh waits for its own scan to finish.
type PeerScanner struct {
	cfg    Config
	browse browseFunc

	scanMu sync.Mutex

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events chan Event

	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	stopped     bool
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:    cfg,
		browse: browse,
		peers:  make(map[string]DiscoveredPeer),
		events: make(chan Event, 128),
	}, nil
}

// Start launches the background scan loop. Calling it twice is a no-op.
func (s *PeerScanner) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.stopped {
		return ErrScannerStopped
	}
	if s.ctx != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	go s.loop()
	return nil
}

// Stop ends the scan loop and closes the event channel.
func (s *PeerScanner) Stop() {
	s.lifecycleMu.Lock()
	if s.stopped {
		s.lifecycleMu.Unlock()
		return
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	close(s.events)
}

// Events delivers upsert and removal notifications. Slow readers miss events.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh runs a scan now and applies its results.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	s.lifecycleMu.Lock()
	base, stopped := s.ctx, s.stopped
	s.lifecycleMu.Unlock()

	switch {
	case stopped:
		return ErrScannerStopped
	case base == nil:
		return errors.New("discovery: peer scanner is not started")
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(base, cancel)
	defer stop()

	if err := s.scan(scanCtx); err != nil {
		return err
	}
	return ctx.Err()
}

// ScanOnce browses for one scan window without touching the background
// state and returns what answered.
func (s *PeerScanner) ScanOnce(ctx context.Context) ([]DiscoveredPeer, error) {
	found, err := s.collect(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DiscoveredPeer, 0, len(found))
	for _, peer := range found {
		out = append(out, peer)
	}
	sortPeers(out)
	return out, nil
}

// ListPeers returns the receivers currently considered reachable.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	s.mu.RUnlock()

	sortPeers(out)
	return out
}

func (s *PeerScanner) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := s.scan(s.ctx); err != nil {
			s.cfg.Logger.WithError(err).Debug("mDNS scan failed")
		}
		select {
		case <-ticker.C:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) scan(ctx context.Context) error {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	found, err := s.collect(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	s.merge(found, time.Now())
	return nil
}

// collect browses for ScanTimeout and returns every receiver that answered,
// keyed by device id.
func (s *PeerScanner) collect(ctx context.Context) (map[string]DiscoveredPeer, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := make(map[string]DiscoveredPeer)
	collected := make(chan struct{})

	go func() {
		defer close(collected)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				if peer, ok := parseEntry(entry, s.cfg.SelfDeviceID); ok {
					peer.LastSeen = time.Now()
					found[peer.DeviceID] = peer
				}
			}
		}
	}()

	err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	<-scanCtx.Done()
	<-collected

	// The scan window expiring is the normal way a browse ends.
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	return found, nil
}

// merge applies one scan. Receivers missing from it stay listed until they
// have not been seen for PeerStaleAfter.
func (s *PeerScanner) merge(found map[string]DiscoveredPeer, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, peer := range found {
		previous, known := s.peers[id]
		s.peers[id] = peer
		if !known || !previous.sameAs(peer) {
			s.emit(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	for id, peer := range s.peers {
		if _, seen := found[id]; seen || now.Sub(peer.LastSeen) <= s.cfg.PeerStaleAfter {
			continue
		}
		delete(s.peers, id)
		s.emit(Event{Type: EventPeerRemoved, Peer: peer})
	}
}

func (s *PeerScanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func sortPeers(peers []DiscoveredPeer) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].DeviceName != peers[j].DeviceName {
			return peers[i].DeviceName < peers[j].DeviceName
		}
		return peers[i].DeviceID < peers[j].DeviceID
	})
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := parseTXT(entry.Text)

	deviceID := txt["device_id"]
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}

	var addresses []string
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		addresses = append(addresses, ip.String())
	}
	sort.Strings(addresses)
	addresses = dedupeSorted(addresses)

	name := firstNonEmpty(strings.TrimSpace(entry.Instance), strings.TrimSpace(entry.HostName), deviceID)

	return DiscoveredPeer{
		DeviceID:   deviceID,
		DeviceName: name,
		Version:    atoiOrZero(txt["version"]),
		ChunkSize:  atoiOrZero(txt["chunk_size"]),
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func dedupeSorted(values []string) []string {
	out := values[:0]
	for i, v := range values {
		if i > 0 && v == values[i-1] {
			continue
		}
		out = append(out, v)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func atoiOrZero(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
