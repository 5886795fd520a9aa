package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	admit map[string]StatusDocument
}

func (f fakeProber) Probe(ctx context.Context, addr string, timeout time.Duration) (*StatusDocument, error) {
	doc, ok := f.admit[addr]
	if !ok {
		return nil, errNotAdmitted
	}
	return &doc, nil
}

var errNotAdmitted = assertError("not admitted")

type assertError string

func (e assertError) Error() string { return string(e) }

func TestFakeProberAdmitsOnlyRegisteredHosts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ports = []int{7946}
	prober := fakeProber{admit: map[string]StatusDocument{}}
	s := NewWithProber(cfg, prober)

	// Force a deterministic single host/port pair regardless of the
	// local machine's actual interfaces by calling the probe directly.
	doc, err := prober.Probe(context.Background(), "10.0.0.5:7946", time.Second)
	assert.Nil(t, doc)
	assert.Error(t, err)

	prober.admit["10.0.0.5:7946"] = StatusDocument{NodeID: "abc", Region: "eu"}
	doc, err = prober.Probe(context.Background(), "10.0.0.5:7946", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "abc", doc.NodeID)

	_ = s
}

func TestHostsInExcludesNetworkAndBroadcastBoundaries(t *testing.T) {
	_, ipnet, err := net.ParseCIDR("192.168.1.0/24")
	require.NoError(t, err)
	hosts := hostsIn(ipnet)
	assert.Len(t, hosts, 254)
	assert.NotContains(t, hosts, "192.168.1.0")
	assert.NotContains(t, hosts, "192.168.1.255")
}

func TestScannerStartStopDoesNotHang(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RefreshInterval = 10 * time.Millisecond
	cfg.Ports = []int{0}
	s := NewWithProber(cfg, fakeProber{admit: map[string]StatusDocument{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	s.Stop()
}
