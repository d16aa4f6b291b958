// Package urlfilter normalizes and filters URLs before they enter the crawl
// database or a fetch list. A failing step only drops the URL at hand.
package urlfilter

import (
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// Step transforms or rejects one URL. Returning "" rejects it.
type Step interface {
	Apply(rawURL string) (string, error)
	Name() string
}

// Normalizer is the Step form of ParseAndNormalize.
type Normalizer struct{}

func (Normalizer) Name() string { return "normalize" }

func (Normalizer) Apply(rawURL string) (string, error) {
	s, _, err := ParseAndNormalize(rawURL)
	return s, err
}

// RegexFilter accepts a URL when it matches no deny pattern and, if allow
// patterns are configured, at least one of them.
type RegexFilter struct {
	allow []*regexp.Regexp
	deny  []*regexp.Regexp
}

// NewRegexFilter compiles the pattern lists.
func NewRegexFilter(allow, deny []string) (*RegexFilter, error) {
	a, err := utils.CompileRegexPatterns(allow)
	if err != nil {
		return nil, fmt.Errorf("allow patterns: %w", err)
	}
	d, err := utils.CompileRegexPatterns(deny)
	if err != nil {
		return nil, fmt.Errorf("deny patterns: %w", err)
	}
	return &RegexFilter{allow: a, deny: d}, nil
}

func (f *RegexFilter) Name() string { return "regex" }

func (f *RegexFilter) Apply(rawURL string) (string, error) {
	if utils.MatchesAny(f.deny, rawURL) {
		return "", nil
	}
	if len(f.allow) > 0 && !utils.MatchesAny(f.allow, rawURL) {
		return "", nil
	}
	return rawURL, nil
}

// Chain runs steps in order. A nil *Chain accepts every URL unchanged.
type Chain struct {
	steps []Step
	log   *logrus.Entry
}

// NewChain builds a chain from steps.
func NewChain(log *logrus.Entry, steps ...Step) *Chain {
	return &Chain{steps: steps, log: log}
}

// Options selects the steps built by FromOptions.
type Options struct {
	Normalize bool
	Filter    bool
	Allow     []string
	Deny      []string
}

// FromOptions builds the standard chain. Returns nil (accept-all) when
// neither normalization nor filtering is enabled.
func FromOptions(opts Options, log *logrus.Entry) (*Chain, error) {
	var steps []Step
	if opts.Normalize {
		steps = append(steps, Normalizer{})
	}
	if opts.Filter && (len(opts.Allow) > 0 || len(opts.Deny) > 0) {
		f, err := NewRegexFilter(opts.Allow, opts.Deny)
		if err != nil {
			return nil, err
		}
		steps = append(steps, f)
	}
	if len(steps) == 0 {
		return nil, nil
	}
	return NewChain(log, steps...), nil
}

// Apply runs the chain. Any rejection, step error or panic comes back
// wrapped in utils.ErrFilter so callers can drop just this URL.
func (c *Chain) Apply(rawURL string) (result string, err error) {
	if c == nil {
		return rawURL, nil
	}
	current := rawURL
	for _, step := range c.steps {
		current, err = c.applyStep(step, current)
		if err != nil {
			return "", err
		}
		if current == "" {
			return "", fmt.Errorf("%w: %s rejected %q", utils.ErrFilter, step.Name(), rawURL)
		}
	}
	return current, nil
}

func (c *Chain) applyStep(step Step, in string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			if c.log != nil {
				c.log.Warnf("URL filter %s panicked on %q: %v", step.Name(), in, r)
			}
			out, err = "", fmt.Errorf("%w: %s panicked: %v", utils.ErrFilter, step.Name(), r)
		}
	}()
	out, err = step.Apply(in)
	if err != nil {
		if c.log != nil {
			c.log.Debugf("URL filter %s failed on %q: %v", step.Name(), in, err)
		}
		return "", fmt.Errorf("%w: %s: %w", utils.ErrFilter, step.Name(), err)
	}
	return out, nil
}
