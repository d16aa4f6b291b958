package signature

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// Calculator computes a content fingerprint for a fetched page.
type Calculator interface {
	// Calculate returns the fingerprint for the raw content and its
	// extracted text. url is used when there is no content at all.
	Calculate(url string, content []byte, text string) []byte
	Name() string
}

// Options configures the built-in calculators.
type Options struct {
	MinTokenLen int     // text-profile: shortest token counted
	QuantRate   float64 // text-profile: frequency quantization relative to the top token
}

// Factory builds a Calculator from options.
type Factory func(opts Options) Calculator

var registry = map[string]Factory{
	"md5":          func(Options) Calculator { return MD5{} },
	"text-profile": func(o Options) Calculator { return NewTextProfile(o) },
}

// New looks up a calculator by name.
func New(name string, opts Options) (Calculator, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: signature %q", utils.ErrUnknownPolicy, name)
	}
	return f(opts), nil
}

// Names lists the registered calculator identifiers.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MD5 fingerprints the raw content bytes, or the URL when content is empty.
type MD5 struct{}

func (MD5) Name() string { return "md5" }

func (MD5) Calculate(url string, content []byte, _ string) []byte {
	data := content
	if len(data) == 0 {
		data = []byte(url)
	}
	sum := md5.Sum(data)
	return sum[:]
}

// TextProfile builds a quantized token-frequency profile of the page text
// so near-identical pages (timestamps, counters) share a fingerprint.
type TextProfile struct {
	minTokenLen int
	quantRate   float64
	fallback    MD5
}

// NewTextProfile applies defaults for unset options.
func NewTextProfile(opts Options) *TextProfile {
	if opts.MinTokenLen <= 0 {
		opts.MinTokenLen = 2
	}
	if opts.QuantRate <= 0 {
		opts.QuantRate = 0.01
	}
	return &TextProfile{minTokenLen: opts.MinTokenLen, quantRate: opts.QuantRate}
}

func (p *TextProfile) Name() string { return "text-profile" }

func (p *TextProfile) Calculate(url string, content []byte, text string) []byte {
	counts := make(map[string]int)
	maxFreq := 0
	var cur strings.Builder
	flush := func() {
		if cur.Len() >= p.minTokenLen {
			tok := cur.String()
			counts[tok]++
			if counts[tok] > maxFreq {
				maxFreq = counts[tok]
			}
		}
		cur.Reset()
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(unicode.ToLower(r))
			continue
		}
		flush()
	}
	flush()

	if len(counts) == 0 {
		return p.fallback.Calculate(url, content, text)
	}

	quant := int(float64(maxFreq)*p.quantRate + 0.5)
	if quant < 2 {
		quant = 1
	}
	type token struct {
		val string
		cnt int
	}
	tokens := make([]token, 0, len(counts))
	for val, cnt := range counts {
		cnt = (cnt / quant) * quant
		if cnt < quant {
			continue
		}
		tokens = append(tokens, token{val, cnt})
	}
	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].cnt != tokens[j].cnt {
			return tokens[i].cnt > tokens[j].cnt
		}
		return tokens[i].val < tokens[j].val
	})

	var profile strings.Builder
	for i, tok := range tokens {
		if i > 0 {
			profile.WriteByte('\n')
		}
		fmt.Fprintf(&profile, "%s %d", tok.val, tok.cnt)
	}
	sum := md5.Sum([]byte(profile.String()))
	return sum[:]
}
