package schedule

import (
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/models"
)

// Default never changes a record's interval: the next fetch is simply one
// interval after this one.
type Default struct {
	base
}

// NewDefault creates the constant-interval policy.
func NewDefault(opts Options, clk clock.Clock, log *logrus.Entry) *Default {
	return &Default{base: newBase(opts, clk, log)}
}

func (d *Default) SetFetchSchedule(_ string, rec *models.CrawlRecord, _, _, fetchTime, modifiedTime int64, _ ChangeState) {
	d.setFetchSchedule(rec)
	if rec.FetchInterval == 0 {
		rec.FetchInterval = d.defaultInterval
	}
	rec.FetchTime = fetchTime + int64(rec.FetchInterval)*millisPerSecond
	rec.ModifiedTime = modifiedTime
}
