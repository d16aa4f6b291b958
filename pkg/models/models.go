package models

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// MaxSignatureLength is the longest content fingerprint a record may carry.
const MaxSignatureLength = 256

// CrawlRecord is the per-URL crawl state. fetchTime means "last fetched at"
// or "next fetch at" depending on which operation wrote it last.
type CrawlRecord struct {
	Status            Status
	FetchTime         int64   // Epoch milliseconds
	RetriesSinceFetch uint8   // Reset on success
	FetchInterval     int32   // Seconds
	Score             float32 // Higher sorts first
	ModifiedTime      int64   // Epoch milliseconds of last detected change, 0 if unknown
	Metadata          *Metadata

	signature []byte // nil = absent; empty = present with zero length
}

// NewCrawlRecord returns a record with the given status, interval and score
// and fetchTime set to now.
func NewCrawlRecord(status Status, interval int32, score float32) *CrawlRecord {
	return &CrawlRecord{
		Status:        status,
		FetchTime:     time.Now().UnixMilli(),
		FetchInterval: interval,
		Score:         score,
	}
}

// Signature returns the content fingerprint, nil when absent.
func (r *CrawlRecord) Signature() []byte { return r.signature }

// HasSignature reports whether a fingerprint (possibly empty) is present.
func (r *CrawlRecord) HasSignature() bool { return r.signature != nil }

// SetSignature stores a copy of sig. nil clears it; an empty non-nil slice is
// kept as a present-but-empty fingerprint.
func (r *CrawlRecord) SetSignature(sig []byte) error {
	if len(sig) > MaxSignatureLength {
		return fmt.Errorf("%w: length %d exceeds %d bytes", utils.ErrInvalidSignature, len(sig), MaxSignatureLength)
	}
	if sig == nil {
		r.signature = nil
		return nil
	}
	r.signature = append([]byte{}, sig...)
	return nil
}

// SetFetchIntervalSeconds rounds a fractional interval to whole seconds,
// clamping to the int32 range.
func (r *CrawlRecord) SetFetchIntervalSeconds(seconds float64) {
	switch {
	case math.IsNaN(seconds) || seconds < 0:
		r.FetchInterval = 0
	case seconds > math.MaxInt32:
		r.FetchInterval = math.MaxInt32
	default:
		r.FetchInterval = int32(math.Round(seconds))
	}
}

// Meta returns the metadata map, allocating it on first use.
func (r *CrawlRecord) Meta() *Metadata {
	if r.Metadata == nil {
		r.Metadata = NewMetadata()
	}
	return r.Metadata
}

// Validate checks the record-level invariants.
func (r *CrawlRecord) Validate() error {
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: 0x%02x", utils.ErrUnknownStatus, byte(r.Status))
	}
	if len(r.signature) > MaxSignatureLength {
		return fmt.Errorf("%w: length %d exceeds %d bytes", utils.ErrInvalidSignature, len(r.signature), MaxSignatureLength)
	}
	if r.FetchInterval < 0 {
		return fmt.Errorf("%w: negative fetch interval %d", utils.ErrMalformedRecord, r.FetchInterval)
	}
	return nil
}

// Clone returns a deep copy.
func (r *CrawlRecord) Clone() *CrawlRecord {
	c := *r
	if r.signature != nil {
		c.signature = append([]byte{}, r.signature...)
	}
	c.Metadata = r.Metadata.Clone()
	return &c
}

// Equal compares every field, distinguishing empty from absent signature
// and metadata.
func (r *CrawlRecord) Equal(o *CrawlRecord) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.Status != o.Status || r.FetchTime != o.FetchTime ||
		r.RetriesSinceFetch != o.RetriesSinceFetch || r.FetchInterval != o.FetchInterval ||
		r.ModifiedTime != o.ModifiedTime {
		return false
	}
	if math.Float32bits(r.Score) != math.Float32bits(o.Score) {
		return false
	}
	if (r.signature == nil) != (o.signature == nil) || string(r.signature) != string(o.signature) {
		return false
	}
	return r.Metadata.Equal(o.Metadata)
}

// String renders a one-line summary for logs.
func (r *CrawlRecord) String() string {
	sig := "null"
	if r.signature != nil {
		sig = hex.EncodeToString(r.signature)
	}
	return fmt.Sprintf("status=%s fetchTime=%s retries=%d interval=%ds score=%g modified=%s signature=%s metadata=%d",
		r.Status, formatMillis(r.FetchTime), r.RetriesSinceFetch, r.FetchInterval, r.Score,
		formatMillis(r.ModifiedTime), sig, r.Metadata.Len())
}

// recordJSON is the dump representation of a record.
type recordJSON struct {
	Status            string     `json:"status"`
	FetchTime         time.Time  `json:"fetch_time"`
	ModifiedTime      *time.Time `json:"modified_time,omitempty"`
	RetriesSinceFetch uint8      `json:"retries_since_fetch"`
	FetchInterval     int32      `json:"fetch_interval"`
	Score             float32    `json:"score"`
	Signature         *string    `json:"signature"`
	Metadata          *Metadata  `json:"metadata,omitempty"`
}

// MarshalJSON implements json.Marshaler for dumps.
func (r *CrawlRecord) MarshalJSON() ([]byte, error) {
	v := recordJSON{
		Status:            r.Status.String(),
		FetchTime:         time.UnixMilli(r.FetchTime).UTC(),
		RetriesSinceFetch: r.RetriesSinceFetch,
		FetchInterval:     r.FetchInterval,
		Score:             r.Score,
		Metadata:          r.Metadata,
	}
	if r.ModifiedTime != 0 {
		mt := time.UnixMilli(r.ModifiedTime).UTC()
		v.ModifiedTime = &mt
	}
	if r.signature != nil {
		s := hex.EncodeToString(r.signature)
		v.Signature = &s
	}
	return json.Marshal(v)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "0"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
