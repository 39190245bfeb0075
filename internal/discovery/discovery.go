// Package discovery locates and verifies candidate backend instances.
// The scan mechanism itself is a pluggable collaborator; the default probes
// a local port range plus any statically configured targets.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Candidate is an unverified address produced by a Scanner.
type Candidate struct {
	Address string // host:port
}

// Instance is a verified backend instance and its logical project key.
type Instance struct {
	Address   string
	Directory string
}

// Scanner finds candidate backend addresses. Implementations are treated as
// a black box returning address tuples; scan failures yield an empty set.
type Scanner interface {
	Scan(ctx context.Context) []Candidate
}

// PortScanner probes a contiguous local port range, plus any extra targets,
// with a short TCP dial per port.
type PortScanner struct {
	Host      string
	StartPort int
	EndPort   int
	Targets   *TargetList // optional statically configured candidates
}

// Scan dials every port in the range concurrently and returns the ones that
// accept a connection.
func (s *PortScanner) Scan(ctx context.Context) []Candidate {
	addrs := make([]string, 0, s.EndPort-s.StartPort+1)
	for port := s.StartPort; port <= s.EndPort; port++ {
		addrs = append(addrs, fmt.Sprintf("%s:%d", s.Host, port))
	}
	if s.Targets != nil {
		addrs = append(addrs, s.Targets.Addresses()...)
	}

	var (
		mu    sync.Mutex
		found []Candidate
		wg    sync.WaitGroup
	)
	dialer := net.Dialer{Timeout: 500 * time.Millisecond}

	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return
			}
			conn.Close()
			mu.Lock()
			found = append(found, Candidate{Address: addr})
			mu.Unlock()
		}(addr)
	}
	wg.Wait()

	sort.Slice(found, func(i, j int) bool { return found[i].Address < found[j].Address })
	return found
}

// Discovery verifies candidates via the backend handshake endpoint and
// caches results so repeated ticks don't re-probe every address.
type Discovery struct {
	scanner Scanner
	client  *http.Client
	cache   *gocache.Cache
}

// projectInfo is the handshake response from /project/current.
type projectInfo struct {
	Worktree string `json:"worktree"`
}

// New creates a Discovery over the given scanner. verifyTimeout bounds the
// handshake request per candidate.
func New(scanner Scanner, verifyTimeout time.Duration) *Discovery {
	return &Discovery{
		scanner: scanner,
		client:  &http.Client{Timeout: verifyTimeout},
		cache:   gocache.New(30*time.Second, time.Minute),
	}
}

// Discover scans for candidates and verifies each one concurrently. A
// candidate is a genuine backend when GET /project/current returns a
// non-empty, non-root worktree. Verification failures are absorbed; the
// candidate is simply excluded until the next tick.
func (d *Discovery) Discover(ctx context.Context) []Instance {
	candidates := d.scanner.Scan(ctx)

	var (
		mu        sync.Mutex
		instances []Instance
		wg        sync.WaitGroup
	)

	for _, c := range candidates {
		wg.Add(1)
		go func(c Candidate) {
			defer wg.Done()
			inst, ok := d.verify(ctx, c.Address)
			if !ok {
				return
			}
			mu.Lock()
			instances = append(instances, inst)
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	sort.Slice(instances, func(i, j int) bool { return instances[i].Address < instances[j].Address })
	return instances
}

// Verify runs the handshake against a single address, bypassing the scanner.
// Used for explicitly configured targets.
func (d *Discovery) Verify(ctx context.Context, address string) (Instance, bool) {
	return d.verify(ctx, address)
}

func (d *Discovery) verify(ctx context.Context, address string) (Instance, bool) {
	if cached, ok := d.cache.Get(address); ok {
		inst, valid := cached.(Instance)
		return inst, valid && inst.Address != ""
	}

	inst, ok := d.handshake(ctx, address)
	if ok {
		d.cache.Set(address, inst, gocache.DefaultExpiration)
	} else {
		// Negative results expire faster so recovering backends are
		// picked up within a couple of ticks.
		d.cache.Set(address, Instance{}, 10*time.Second)
	}
	return inst, ok
}

func (d *Discovery) handshake(ctx context.Context, address string) (Instance, bool) {
	url := fmt.Sprintf("http://%s/project/current", address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Instance{}, false
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Instance{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Instance{}, false
	}

	var info projectInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		log.Printf("⚠️ [DISCOVERY] %s returned an unparseable handshake: %v", address, err)
		return Instance{}, false
	}

	// A missing or root worktree means this is not a real backend instance.
	if info.Worktree == "" || info.Worktree == "/" {
		return Instance{}, false
	}

	return Instance{Address: address, Directory: info.Worktree}, true
}
