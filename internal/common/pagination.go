package common

import (
	"net/http"
	"strconv"
)

// Pagination is the paging block attached to list responses.
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	// TotalItems is the unpaged row count, on the endpoints whose store
	// reports one.
	TotalItems int `json:"total_items"`
}

// ParsePagination reads page and limit from the query string, clamping the
// page size to maxPerPage. Absent or malformed values fall back to page 1
// and defaultPerPage.
func ParsePagination(r *http.Request, defaultPerPage, maxPerPage int) (page, perPage int) {
	page = AtoiDefault(r.URL.Query().Get("page"), 1)
	if page < 1 {
		page = 1
	}
	perPage = AtoiDefault(r.URL.Query().Get("limit"), defaultPerPage)
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if maxPerPage > 0 && perPage > maxPerPage {
		perPage = maxPerPage
	}
	return
}

// AtoiDefault parses value as an int, returning def when it is empty or
// malformed.
func AtoiDefault(value string, def int) int {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
