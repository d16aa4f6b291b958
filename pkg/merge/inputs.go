package merge

import (
	"fmt"

	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// Input is one record handed to the reducer for a URL. The concrete type
// says what role the record plays.
type Input interface {
	isInput()
}

// OldState is the record currently installed in the crawl database.
type OldState struct{ Record *models.CrawlRecord }

// FetchOutcome is the result of one fetch attempt.
type FetchOutcome struct{ Record *models.CrawlRecord }

// LinkStub is an outlink discovered on some page, pointing at this URL.
type LinkStub struct{ Record *models.CrawlRecord }

// SignatureStub carries a content fingerprint computed at parse time.
type SignatureStub struct{ Signature []byte }

// ParseMetaStub carries metadata harvested while parsing.
type ParseMetaStub struct{ Metadata *models.Metadata }

func (OldState) isInput()      {}
func (FetchOutcome) isInput()  {}
func (LinkStub) isInput()      {}
func (SignatureStub) isInput() {}
func (ParseMetaStub) isInput() {}

// Classify maps a persisted record onto its input variant by status family.
// Injected stubs belong to the injector and are rejected here.
func Classify(rec *models.CrawlRecord) (Input, error) {
	switch {
	case rec == nil:
		return nil, fmt.Errorf("%w: nil record", utils.ErrMalformedRecord)
	case rec.Status.IsDB():
		return OldState{Record: rec}, nil
	case rec.Status.IsFetch():
		return FetchOutcome{Record: rec}, nil
	}
	switch rec.Status {
	case models.StatusLinked:
		return LinkStub{Record: rec}, nil
	case models.StatusSignature:
		return SignatureStub{Signature: rec.Signature()}, nil
	case models.StatusParseMeta:
		return ParseMetaStub{Metadata: rec.Metadata}, nil
	}
	return nil, fmt.Errorf("%w: %s is not a merge input", utils.ErrUnknownStatus, rec.Status)
}

// Record converts an input back to the record form used on disk, for
// staging inputs between jobs.
func Record(in Input) *models.CrawlRecord {
	switch v := in.(type) {
	case OldState:
		return v.Record
	case FetchOutcome:
		return v.Record
	case LinkStub:
		return v.Record
	case SignatureStub:
		rec := &models.CrawlRecord{Status: models.StatusSignature}
		_ = rec.SetSignature(v.Signature)
		return rec
	case ParseMetaStub:
		return &models.CrawlRecord{Status: models.StatusParseMeta, Metadata: v.Metadata}
	}
	return nil
}
