package scoring

import (
	"errors"
	"io"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

func TestOPIC_InitialAndUpdate(t *testing.T) {
	f := OPIC{}
	rec := &models.CrawlRecord{Status: models.StatusDBUnfetched, Score: 0.7}
	f.InitialScore("http://a/", rec)
	assert.Zero(t, rec.Score)

	inlinks := []*models.CrawlRecord{
		{Status: models.StatusLinked, Score: 0.25},
		{Status: models.StatusLinked, Score: 0.5},
		{Status: models.StatusLinked, Score: float32(math.NaN())},
	}
	f.UpdateDBScore("http://a/", nil, rec, inlinks)
	assert.InDelta(t, 0.75, rec.Score, 1e-6)

	old := &models.CrawlRecord{Status: models.StatusDBFetched, Score: 2}
	result := &models.CrawlRecord{Status: models.StatusDBFetched, Score: 9}
	f.UpdateDBScore("http://a/", old, result, inlinks[:1])
	assert.InDelta(t, 2.25, result.Score, 1e-6)
}

func TestSortValue(t *testing.T) {
	rec := &models.CrawlRecord{Score: 3}
	assert.Equal(t, float32(6), OPIC{}.GeneratorSortValue("u", rec, 2))
	assert.Equal(t, float32(3), Noop{}.GeneratorSortValue("u", rec, 1))
}

func TestNoopLeavesScores(t *testing.T) {
	f := Noop{}
	rec := &models.CrawlRecord{Score: 0.4}
	f.InjectedScore("u", rec)
	f.InitialScore("u", rec)
	f.UpdateDBScore("u", nil, rec, []*models.CrawlRecord{{Score: 5}})
	assert.Equal(t, float32(0.4), rec.Score)
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"none", "opic"}, Names())

	f, err := New("opic")
	require.NoError(t, err)
	assert.Equal(t, "opic", f.Name())

	_, err = New("pagerank")
	assert.True(t, errors.Is(err, utils.ErrUnknownPolicy))

	l := logrus.New()
	l.SetOutput(io.Discard)
	assert.Equal(t, "opic", NewOrDefault("pagerank", logrus.NewEntry(l)).Name())
	assert.Equal(t, "none", NewOrDefault("none", nil).Name())
}
