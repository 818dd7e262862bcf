// Package pagination filters and slices in-memory lists into pages.
package pagination

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Meta describes the page that was returned
type Meta struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	TotalPages int `json:"totalPages"`
}

// Page is one slice of a filtered list
type Page[T any] struct {
	Items []T  `json:"items"`
	Meta  Meta `json:"meta"`
}

// Normalize clamps page and pageSize to valid values. Pages are 1-based.
func Normalize(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// Paginate keeps the items for which keep returns true (all items when keep
// is nil) and returns the requested page. A page past the end is empty.
func Paginate[T any](items []T, keep func(T) bool, page, pageSize int) Page[T] {
	page, pageSize = Normalize(page, pageSize)

	filtered := items
	if keep != nil {
		filtered = make([]T, 0, len(items))
		for _, item := range items {
			if keep(item) {
				filtered = append(filtered, item)
			}
		}
	}

	total := len(filtered)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return Page[T]{
		Items: append(make([]T, 0, end-start), filtered[start:end]...),
		Meta: Meta{
			Total:      total,
			Page:       page,
			PageSize:   pageSize,
			TotalPages: (total + pageSize - 1) / pageSize,
		},
	}
}
