package domain

import "context"

// Standard is a recognized accounting standard in its canonical form.
type Standard string

const (
	StandardASC606   Standard = "ASC606"
	StandardASC842   Standard = "ASC842"
	StandardASC718   Standard = "ASC718"
	StandardASC805   Standard = "ASC805"
	StandardASC34040 Standard = "ASC340-40"
)

var standards = map[string]Standard{
	"asc606":   StandardASC606,
	"asc842":   StandardASC842,
	"asc718":   StandardASC718,
	"asc805":   StandardASC805,
	"asc34040": StandardASC34040,
}

// LookupStandard resolves a canonical standard from its normalized key.
func LookupStandard(key string) (Standard, bool) {
	s, ok := standards[key]
	return s, ok
}

// Document is extracted document text submitted for analysis.
type Document struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Quote is the server-side price for a set of documents.
type Quote struct {
	Standard  Standard `json:"standard"`
	WordCount int64    `json:"word_count"`
	FileCount int      `json:"file_count"`
	Price     int64    `json:"price"`
}

type Service interface {
	ResolveStandard(raw string) (Standard, error)
	Quote(ctx context.Context, standard string, documents []Document) (*Quote, error)
}
