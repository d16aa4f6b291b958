package schedule

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// MimeAdaptive is Adaptive with per-content-type rates looked up from the
// record's Content-Type metadata.
type MimeAdaptive struct {
	*Adaptive
	rates map[string]Rates
}

// NewMimeAdaptive loads the rate table from opts.MimeRatesFile (if set) and
// overlays opts.MimeRates.
func NewMimeAdaptive(opts Options, clk clock.Clock, log *logrus.Entry) (*MimeAdaptive, error) {
	m := &MimeAdaptive{
		Adaptive: NewAdaptive(opts, clk, log),
		rates:    make(map[string]Rates),
	}
	if opts.MimeRatesFile != "" {
		f, err := os.Open(opts.MimeRatesFile)
		if err != nil {
			return nil, fmt.Errorf("%w: opening mime rates file: %w", utils.ErrFilesystem, err)
		}
		defer f.Close()
		table, err := ParseMimeRates(f, log)
		if err != nil {
			return nil, err
		}
		for k, v := range table {
			m.rates[k] = v
		}
	}
	for k, v := range opts.MimeRates {
		m.rates[normalizeMime(k)] = v
	}
	if log != nil {
		log.Infof("Loaded adaptive rates for %d content types", len(m.rates))
	}
	return m, nil
}

func (m *MimeAdaptive) SetFetchSchedule(_ string, rec *models.CrawlRecord, _, _, fetchTime, modifiedTime int64, state ChangeState) {
	m.adapt(rec, fetchTime, modifiedTime, state, m.RatesFor(rec))
}

// RatesFor resolves the rates for rec's content type, falling back to the
// global adaptive rates.
func (m *MimeAdaptive) RatesFor(rec *models.CrawlRecord) Rates {
	v, ok := rec.Metadata.Get(models.MetaContentType)
	if !ok {
		return m.Adaptive.rates
	}
	if r, ok := m.rates[normalizeMime(v.String())]; ok {
		return r
	}
	return m.Adaptive.rates
}

// ParseMimeRates reads "type<TAB>inc<TAB>dec" lines. Blank lines and lines
// starting with '#' are skipped; malformed lines are logged and skipped.
func ParseMimeRates(r io.Reader, log *logrus.Entry) (map[string]Rates, error) {
	table := make(map[string]Rates)
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			if log != nil {
				log.Warnf("mime rates line %d: expected 3 tab-separated fields, got %d", lineNo, len(fields))
			}
			continue
		}
		inc, errInc := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		dec, errDec := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if errInc != nil || errDec != nil {
			if log != nil {
				log.Warnf("mime rates line %d: invalid rate values %q / %q", lineNo, fields[1], fields[2])
			}
			continue
		}
		table[normalizeMime(fields[0])] = Rates{Inc: inc, Dec: dec}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading mime rates: %w", utils.ErrParsing, err)
	}
	return table, nil
}

// normalizeMime lower-cases a content type and strips parameters such as charset.
func normalizeMime(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
