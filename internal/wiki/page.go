// Package wiki instantiates the offline engine for wiki pages.
//
// Pages of one wiki share the scope "wiki:<id>". Views are keyed by the
// parent whose children they list ("tree:<parent>", 0 for the root);
// "tree" and "recent" are overview keys. Page titles sort with the
// collation of the wiki's language.
package wiki

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/outbox/internal/ir"
)

// Kind is the entity kind of wiki pages.
const Kind ir.Kind = "wiki.page"

// Page is the editable state of a wiki page.
type Page struct {
	WikiID   int64  `json:"wiki_id"`
	ParentID int64  `json:"parent_id,omitempty"` // 0 for top-level pages
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
	Icon     string `json:"icon,omitempty"`
}

func (p Page) Kind() ir.Kind       { return Kind }
func (p Page) DisplayName() string { return p.Title }

// ExternalKey is the title within its parent; siblings have unique titles.
func (p Page) ExternalKey() string {
	return fmt.Sprintf("%d/%s", p.ParentID, strings.ToLower(strings.TrimSpace(p.Title)))
}

func (p Page) Validate() error {
	switch {
	case p.WikiID <= 0:
		return errors.New("page: wiki is required")
	case strings.TrimSpace(p.Title) == "":
		return errors.New("page: title is required")
	case p.ParentID < 0:
		return errors.New("page: parent must be a synced page")
	}
	return nil
}

// ScopeFor returns the scope of every page in wiki id.
func ScopeFor(wikiID int64) ir.Scope {
	return ir.Scope{Kind: Kind, Key: fmt.Sprintf("wiki:%d", wikiID)}
}
