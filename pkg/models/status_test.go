package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusUnset, "unset"},
		{StatusDBUnfetched, "db_unfetched"},
		{StatusDBFetched, "db_fetched"},
		{StatusDBGone, "db_gone"},
		{StatusDBRedirTemp, "db_redir_temp"},
		{StatusDBRedirPerm, "db_redir_perm"},
		{StatusDBNotModified, "db_notmodified"},
		{StatusDBDuplicate, "db_duplicate"},
		{StatusFetchSuccess, "fetch_success"},
		{StatusFetchRetry, "fetch_retry"},
		{StatusFetchNotModified, "fetch_notmodified"},
		{StatusLinked, "linked"},
		{StatusParseMeta, "parse_metadata"},
		{Status(0x99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestStatus_Families(t *testing.T) {
	tests := []struct {
		status         Status
		db, fetch, aux bool
		valid          bool
	}{
		{StatusDBUnfetched, true, false, false, true},
		{StatusDBDuplicate, true, false, false, true},
		{StatusFetchSuccess, false, true, false, true},
		{StatusFetchNotModified, false, true, false, true},
		{StatusSignature, false, false, true, true},
		{StatusParseMeta, false, false, true, true},
		{StatusUnset, false, false, false, false},
		{Status(0x08), false, false, false, false},
		{Status(0x27), false, false, false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.db, tt.status.IsDB(), "%s IsDB", tt.status)
		assert.Equal(t, tt.fetch, tt.status.IsFetch(), "%s IsFetch", tt.status)
		assert.Equal(t, tt.aux, tt.status.IsAuxiliary(), "%s IsAuxiliary", tt.status)
		assert.Equal(t, tt.valid, tt.status.IsValid(), "%s IsValid", tt.status)
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range DBStatuses() {
		got, ok := ParseStatus(s.String())
		assert.True(t, ok)
		assert.Equal(t, s, got)
	}
	_, ok := ParseStatus("no_such_status")
	assert.False(t, ok)
}

func TestLegacyStatus(t *testing.T) {
	tests := []struct {
		raw  byte
		want Status
	}{
		{0, StatusSignature},
		{1, StatusDBUnfetched},
		{2, StatusDBFetched},
		{3, StatusDBGone},
		{4, StatusLinked},
		{5, StatusFetchSuccess},
		{6, StatusFetchRetry},
		{7, StatusFetchGone},
	}
	for _, tt := range tests {
		got, ok := legacyStatus(tt.raw)
		assert.True(t, ok)
		assert.Equal(t, tt.want, got)
	}
	_, ok := legacyStatus(8)
	assert.False(t, ok)
}
