package models

// Status is the one-byte state tag carried by every CrawlRecord.
// Values fall into three disjoint families: database statuses (durable),
// fetch statuses (one-shot outcomes) and auxiliary statuses (merge inputs only).
type Status byte

const (
	StatusUnset Status = 0x00 // Zero value = unset/unknown

	// Database statuses
	StatusDBUnfetched   Status = 0x01 // Never fetched, or scheduled for refetch
	StatusDBFetched     Status = 0x02 // Fetched successfully
	StatusDBGone        Status = 0x03 // Permanently gone (still rechecked)
	StatusDBRedirTemp   Status = 0x04 // Temporary redirect
	StatusDBRedirPerm   Status = 0x05 // Permanent redirect
	StatusDBNotModified Status = 0x06 // Fetched, content unchanged
	StatusDBDuplicate   Status = 0x07 // Content duplicate of another URL

	// Fetch statuses
	StatusFetchSuccess     Status = 0x21
	StatusFetchRetry       Status = 0x22
	StatusFetchRedirTemp   Status = 0x23
	StatusFetchRedirPerm   Status = 0x24
	StatusFetchGone        Status = 0x25
	StatusFetchNotModified Status = 0x26

	// Auxiliary statuses, never persisted in the record store
	StatusSignature Status = 0x41 // Standalone content fingerprint
	StatusInjected  Status = 0x42 // Seed URL stub
	StatusLinked    Status = 0x43 // Discovered outlink stub
	StatusParseMeta Status = 0x44 // Parse-time metadata stub
)

var statusNames = map[Status]string{
	StatusDBUnfetched:      "db_unfetched",
	StatusDBFetched:        "db_fetched",
	StatusDBGone:           "db_gone",
	StatusDBRedirTemp:      "db_redir_temp",
	StatusDBRedirPerm:      "db_redir_perm",
	StatusDBNotModified:    "db_notmodified",
	StatusDBDuplicate:      "db_duplicate",
	StatusFetchSuccess:     "fetch_success",
	StatusFetchRetry:       "fetch_retry",
	StatusFetchRedirTemp:   "fetch_redir_temp",
	StatusFetchRedirPerm:   "fetch_redir_perm",
	StatusFetchGone:        "fetch_gone",
	StatusFetchNotModified: "fetch_notmodified",
	StatusSignature:        "signature",
	StatusInjected:         "injected",
	StatusLinked:           "linked",
	StatusParseMeta:        "parse_metadata",
}

// legacyStatusMap translates status bytes written by record versions < 5.
var legacyStatusMap = map[byte]Status{
	0: StatusSignature,
	1: StatusDBUnfetched,
	2: StatusDBFetched,
	3: StatusDBGone,
	4: StatusLinked,
	5: StatusFetchSuccess,
	6: StatusFetchRetry,
	7: StatusFetchGone,
}

// String implements fmt.Stringer for logging and counter names
func (s Status) String() string {
	if s == StatusUnset {
		return "unset"
	}
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsValid returns true if the status belongs to one of the three families
func (s Status) IsValid() bool {
	_, ok := statusNames[s]
	return ok
}

// IsDB reports whether s is a durable database status.
func (s Status) IsDB() bool {
	return s >= StatusDBUnfetched && s <= StatusDBDuplicate
}

// IsFetch reports whether s is a fetch-outcome status.
func (s Status) IsFetch() bool {
	return s >= StatusFetchSuccess && s <= StatusFetchNotModified
}

// IsAuxiliary reports whether s is a transient merge-input status.
func (s Status) IsAuxiliary() bool {
	return s >= StatusSignature && s <= StatusParseMeta
}

// ParseStatus resolves a status name as produced by String.
func ParseStatus(name string) (Status, bool) {
	for s, n := range statusNames {
		if n == name {
			return s, true
		}
	}
	return StatusUnset, false
}

// DBStatuses lists the database statuses in numeric order.
func DBStatuses() []Status {
	return []Status{
		StatusDBUnfetched, StatusDBFetched, StatusDBGone, StatusDBRedirTemp,
		StatusDBRedirPerm, StatusDBNotModified, StatusDBDuplicate,
	}
}

// legacyStatus maps a pre-v5 status byte onto the current status space.
func legacyStatus(b byte) (Status, bool) {
	s, ok := legacyStatusMap[b]
	return s, ok
}
