// Package partition maps URLs onto partition indexes so that every URL of
// one host (or domain, or IP) lands in the same fetch list.
package partition

import (
	"context"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// Normalizer canonicalizes a URL before the grouping key is extracted.
type Normalizer func(rawURL string) (string, error)

// Options configures a Partitioner.
type Options struct {
	Mode          Mode
	Seed          uint64 // 0 picks a random seed for this instance
	Normalize     Normalizer
	Lookup        LookupFunc // ModeIP only
	MaxDNSLookups int        // ModeIP concurrent lookups
}

// Partitioner is deterministic for the lifetime of one instance: the same
// URL always maps to the same index. Different seeds shuffle which
// partition a host lands in from run to run.
type Partitioner struct {
	mode      Mode
	seed      uint64
	normalize Normalizer
	ips       *ipResolver
	log       *logrus.Entry
}

// New creates a Partitioner.
func New(opts Options, log *logrus.Entry) *Partitioner {
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeHost
	}
	p := &Partitioner{mode: mode, seed: seed, normalize: opts.Normalize, log: log}
	if mode == ModeIP {
		p.ips = newIPResolver(opts.Lookup, opts.MaxDNSLookups, log)
	}
	return p
}

// Mode returns the grouping mode.
func (p *Partitioner) Mode() Mode { return p.mode }

// Seed returns the hashing seed in use.
func (p *Partitioner) Seed() uint64 { return p.seed }

// Key returns the grouping key (host, domain or IP) for rawURL.
func (p *Partitioner) Key(ctx context.Context, rawURL string) (string, error) {
	target := rawURL
	if p.normalize != nil {
		n, err := p.normalize(rawURL)
		if err != nil {
			return "", err
		}
		target = n
	}
	host, err := HostOf(target)
	if err != nil {
		return "", err
	}
	switch p.mode {
	case ModeDomain:
		return domainOfHost(host), nil
	case ModeIP:
		return p.ips.resolve(ctx, host)
	default:
		return host, nil
	}
}

// Partition returns the index in [0, numPartitions) for rawURL. When no key
// can be extracted the raw URL itself is hashed and the anomaly is logged.
func (p *Partitioner) Partition(ctx context.Context, rawURL string, numPartitions int) int {
	if numPartitions <= 1 {
		return 0
	}
	key, err := p.Key(ctx, rawURL)
	if err != nil {
		if p.log != nil {
			p.log.WithField("url", rawURL).Debugf("Cannot extract %s for partitioning, hashing URL instead: %v", p.mode, err)
		}
		key = rawURL
	}
	return int(utils.SeededHash(key, p.seed) % uint64(numPartitions))
}
