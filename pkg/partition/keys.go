package partition

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// Mode selects how URLs are grouped for politeness.
type Mode string

const (
	ModeHost   Mode = "host"
	ModeDomain Mode = "domain"
	ModeIP     Mode = "ip"
)

// ParseMode resolves a configured mode name. Unknown names log a warning
// and fall back to host.
func ParseMode(name string, log *logrus.Entry) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(name))) {
	case ModeHost, "byhost":
		return ModeHost
	case ModeDomain, "bydomain":
		return ModeDomain
	case ModeIP, "byip":
		return ModeIP
	case "":
		return ModeHost
	}
	if log != nil {
		log.Warnf("Unknown partition mode %q, using %q", name, ModeHost)
	}
	return ModeHost
}

// HostOf returns the lower-cased host name of rawURL.
func HostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: bad URL %q: %w", utils.ErrParsing, rawURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: URL %q has no host", utils.ErrParsing, rawURL)
	}
	return host, nil
}

// DomainOf returns the registrable domain (eTLD+1) of rawURL. IP literals
// and single-label hosts come back unchanged.
func DomainOf(rawURL string) (string, error) {
	host, err := HostOf(rawURL)
	if err != nil {
		return "", err
	}
	return domainOfHost(host), nil
}

func domainOfHost(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

// HostKey returns the host or registrable domain of rawURL. It is the
// grouping key shared by generator quotas and dedup groups; ModeIP is not
// accepted here because those callers never resolve names.
func HostKey(rawURL string, mode Mode) (string, error) {
	host, err := HostOf(rawURL)
	if err != nil {
		return "", err
	}
	if mode == ModeDomain {
		return domainOfHost(host), nil
	}
	return host, nil
}

// LookupFunc resolves a host name to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// DefaultLookup resolves through the system resolver.
func DefaultLookup(ctx context.Context, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

// ipResolver caches host→IP answers and bounds concurrent lookups.
type ipResolver struct {
	lookup LookupFunc
	sem    *semaphore.Weighted
	mu     sync.Mutex
	cache  map[string]string
	log    *logrus.Entry
}

func newIPResolver(lookup LookupFunc, maxConcurrent int, log *logrus.Entry) *ipResolver {
	if lookup == nil {
		lookup = DefaultLookup
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &ipResolver{
		lookup: lookup,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		cache:  make(map[string]string),
		log:    log,
	}
}

func (r *ipResolver) resolve(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	r.mu.Lock()
	cached, ok := r.cache[host]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	ips, err := r.lookup(ctx, host)
	r.sem.Release(1)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", host, err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("resolving %s: no addresses", host)
	}
	addr := ips[0].String()

	r.mu.Lock()
	r.cache[host] = addr
	r.mu.Unlock()
	if r.log != nil {
		r.log.WithFields(logrus.Fields{"host": host, "ip": addr}).Debug("Resolved host for partitioning")
	}
	return addr, nil
}
