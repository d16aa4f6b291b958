package seqfile

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// AppendEntry appends the unframed (url, record) message to b.
func AppendEntry(b []byte, url string, rec *models.CrawlRecord) ([]byte, error) {
	val, err := rec.MarshalBinary()
	if err != nil {
		return b, fmt.Errorf("encoding %s: %w", url, err)
	}
	b = protowire.AppendTag(b, fieldURL, protowire.BytesType)
	b = protowire.AppendString(b, url)
	b = protowire.AppendTag(b, fieldRecord, protowire.BytesType)
	b = protowire.AppendBytes(b, val)
	return b, nil
}

// EncodeEntry returns the unframed (url, record) message.
func EncodeEntry(url string, rec *models.CrawlRecord) ([]byte, error) {
	return AppendEntry(nil, url, rec)
}

// DecodeEntry parses a message written by AppendEntry. Broken wire framing
// wraps ErrMalformedRecord; a readable entry whose record fails to decode
// comes back as *DecodeError with the URL filled in.
func DecodeEntry(body []byte) (string, *models.CrawlRecord, error) {
	var (
		url    string
		raw    []byte
		hasURL bool
	)
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return "", nil, fmt.Errorf("%w: %w", utils.ErrMalformedRecord, protowire.ParseError(n))
		}
		body = body[n:]
		switch {
		case num == fieldURL && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(body)
			if m < 0 {
				return "", nil, fmt.Errorf("%w: %w", utils.ErrMalformedRecord, protowire.ParseError(m))
			}
			url, hasURL = v, true
			n = m
		case num == fieldRecord && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(body)
			if m < 0 {
				return "", nil, fmt.Errorf("%w: %w", utils.ErrMalformedRecord, protowire.ParseError(m))
			}
			raw = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return "", nil, fmt.Errorf("%w: %w", utils.ErrMalformedRecord, protowire.ParseError(n))
			}
		}
		body = body[n:]
	}
	if !hasURL {
		return "", nil, &DecodeError{Err: fmt.Errorf("%w: entry without url", utils.ErrMalformedRecord)}
	}
	rec, err := models.DecodeRecord(raw)
	if err != nil {
		return url, nil, &DecodeError{URL: url, Err: err}
	}
	return url, rec, nil
}
