package history

import (
	"context"
	"runtime"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/scanshop/companion-sync/internal/backend"
)

// yieldEvery bounds how many records are scanned between scheduler yields.
const yieldEvery = 500

// Filters narrows a user's history. Empty fields match everything.
type Filters struct {
	Code        string `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
}

func (f Filters) empty() bool {
	return strings.TrimSpace(f.Code) == "" && strings.TrimSpace(f.Description) == ""
}

// Fold lowercases s and strips combining marks so "Tornillo acero" matches
// "TORNILLÓ ÁCERO".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

type matcher struct {
	code  string
	words []string
}

func newMatcher(f Filters) matcher {
	return matcher{
		code:  strings.ToUpper(strings.TrimSpace(f.Code)),
		words: strings.Fields(Fold(f.Description)),
	}
}

func (m matcher) match(rec backend.PurchaseRecord) bool {
	if m.code != "" && !strings.Contains(strings.ToUpper(rec.Code), m.code) {
		return false
	}
	if len(m.words) == 0 {
		return true
	}
	desc := Fold(rec.Description)
	for _, w := range m.words {
		if !strings.Contains(desc, w) {
			return false
		}
	}
	return true
}

// Apply returns the records matching f in their original order. The scan
// yields periodically and stops early when ctx is done.
func Apply(ctx context.Context, records []backend.PurchaseRecord, f Filters) ([]backend.PurchaseRecord, error) {
	if f.empty() {
		out := make([]backend.PurchaseRecord, len(records))
		copy(out, records)
		return out, nil
	}
	m := newMatcher(f)
	out := make([]backend.PurchaseRecord, 0, len(records))
	for i, rec := range records {
		if i > 0 && i%yieldEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			runtime.Gosched()
		}
		if m.match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}
