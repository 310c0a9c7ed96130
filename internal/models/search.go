package models

import "time"

// SearchEntry records one search a session has issued. The backend receives the
// position of the entry within its session as session_index, so entries are
// stored in issue order.
type SearchEntry struct {
	Keyword   string
	Mode      string
	Product   string
	Timestamp time.Time
}
