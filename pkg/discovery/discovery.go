// Package discovery actively probes the local subnet(s) for other
// storage nodes: it enumerates non-loopback IPv4 interfaces, reduces
// each to a /24 range, and probes a small fixed port list, admitting
// any host whose response parses as a status document.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/log"
)

// DefaultPorts is the fixed short port list probed on every candidate
// host.
var DefaultPorts = []int{7946, 7947, 7948}

// DefaultRefreshInterval is how often the scan loop re-runs.
const DefaultRefreshInterval = 60 * time.Second

// StatusDocument is the minimal payload a probed host must return to
// be admitted as a candidate peer.
type StatusDocument struct {
	NodeID  string `json:"node_id"`
	Region  string `json:"region"`
	Version string `json:"version"`
}

// Prober performs the actual network probe; swappable for tests.
type Prober interface {
	Probe(ctx context.Context, addr string, timeout time.Duration) (*StatusDocument, error)
}

// TCPProber dials addr and expects a single JSON StatusDocument line.
type TCPProber struct{}

func (TCPProber) Probe(ctx context.Context, addr string, timeout time.Duration) (*StatusDocument, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))
	var doc StatusDocument
	if err := json.NewDecoder(conn).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Config parameterizes a Scanner.
type Config struct {
	Ports           []int
	ProbeTimeout    time.Duration
	RefreshInterval time.Duration
}

// DefaultConfig returns the standard defaults.
func DefaultConfig() Config {
	return Config{
		Ports:           DefaultPorts,
		ProbeTimeout:    2 * time.Second,
		RefreshInterval: DefaultRefreshInterval,
	}
}

// Candidate is a host admitted by a successful probe.
type Candidate struct {
	Addr   string
	Status StatusDocument
	SeenAt time.Time
}

// Scanner runs periodic subnet scans and keeps the latest candidate
// set.
type Scanner struct {
	cfg    Config
	prober Prober

	mu         sync.RWMutex
	candidates map[string]Candidate

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a Scanner using the real TCP prober.
func New(cfg Config) *Scanner {
	return NewWithProber(cfg, TCPProber{})
}

// NewWithProber allows tests to inject a fake Prober.
func NewWithProber(cfg Config, prober Prober) *Scanner {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = DefaultPorts
	}
	return &Scanner{
		cfg:        cfg,
		prober:     prober,
		candidates: make(map[string]Candidate),
		stopCh:     make(chan struct{}),
	}
}

// Start runs ScanOnce immediately and then on every RefreshInterval
// tick, until Stop is called.
func (s *Scanner) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ScanOnce(ctx)
		ticker := time.NewTicker(s.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.ScanOnce(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the scan loop and waits for it to exit.
func (s *Scanner) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// ScanOnce enumerates local /24 ranges and probes every host×port
// combination concurrently, replacing the candidate set with whatever
// responded this round.
func (s *Scanner) ScanOnce(ctx context.Context) {
	ranges, err := localSubnets()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("discovery: failed to enumerate local interfaces")
		return
	}

	found := make(map[string]Candidate)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, ipnet := range ranges {
		for _, host := range hostsIn(ipnet) {
			for _, port := range s.cfg.Ports {
				addr := fmt.Sprintf("%s:%d", host, port)
				wg.Add(1)
				go func(addr string) {
					defer wg.Done()
					doc, err := s.prober.Probe(ctx, addr, s.cfg.ProbeTimeout)
					if err != nil || doc == nil || doc.NodeID == "" {
						return
					}
					mu.Lock()
					found[addr] = Candidate{Addr: addr, Status: *doc, SeenAt: time.Now()}
					mu.Unlock()
				}(addr)
			}
		}
	}
	wg.Wait()

	s.mu.Lock()
	s.candidates = found
	s.mu.Unlock()
}

// Candidates returns the most recently discovered set.
func (s *Scanner) Candidates() []Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		out = append(out, c)
	}
	return out
}

// localSubnets enumerates non-loopback IPv4 interfaces and reduces
// each to a /24 network.
func localSubnets() ([]*net.IPNet, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var nets []*net.IPNet
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil {
			continue
		}
		slash24 := &net.IPNet{IP: ip4.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}
		nets = append(nets, slash24)
	}
	return nets, nil
}

// hostsIn enumerates the usable host addresses of a /24 network,
// excluding the network and broadcast addresses.
func hostsIn(ipnet *net.IPNet) []string {
	base := ipnet.IP.To4()
	if base == nil {
		return nil
	}
	var hosts []string
	for i := 1; i < 255; i++ {
		ip := net.IPv4(base[0], base[1], base[2], byte(i))
		hosts = append(hosts, ip.String())
	}
	return hosts
}
