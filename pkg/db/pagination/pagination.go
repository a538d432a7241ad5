package pagination

const (
	DefaultLimit = 100
	MaxLimit     = 500
)

// Pagination is the keyset window accepted by list endpoints: rows strictly
// after the row identified by After, at most Limit of them.
type Pagination struct {
	After string `form:"after"`
	Limit int    `form:"limit"`
}

// Normalize clamps Limit into [1, MaxLimit], substituting DefaultLimit when unset.
func (p Pagination) Normalize() Pagination {
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultLimit
	case p.Limit > MaxLimit:
		p.Limit = MaxLimit
	}
	return p
}

type PageInfo struct {
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

// BuildPageInfo trims data fetched with limit+1 rows and reports whether more exist.
func BuildPageInfo[T any](data []*T, limit int, extractCursor func(*T) string) ([]*T, *PageInfo) {
	if len(data) == 0 {
		return data, &PageInfo{HasMore: false}
	}

	hasMore := false
	if len(data) > limit {
		hasMore = true
		data = data[:limit]
	}

	return data, &PageInfo{
		HasMore:    hasMore,
		NextCursor: extractCursor(data[len(data)-1]),
	}
}
