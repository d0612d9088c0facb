// Package selector resolves page elements through ordered candidate locators.
//
// Each purpose (result card, price field, ...) owns a list of CSS locators
// ordered from the newest, most specific markup to the oldest fallback. The
// first locator that matches at least one element wins. Markup drift on the
// site then degrades one field at a time instead of breaking extraction.
package selector

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Purpose tags what a locator is meant to find.
type Purpose string

// Search results page purposes.
const (
	ResultContainer Purpose = "result-container"
	ResultCard      Purpose = "result-card"
	Title           Purpose = "title"
	Price           Purpose = "price-field"
	Rating          Purpose = "rating"
	ReviewCount     Purpose = "review-count"
	SalesVelocity   Purpose = "sales-velocity"
	Expedited       Purpose = "expedited-shipping"
	DetailLink      Purpose = "detail-link"
	NextPage        Purpose = "next-page"
	SearchInput     Purpose = "search-input"
	SearchSubmit    Purpose = "search-submit"
)

// Detail page purposes.
const (
	Brand    Purpose = "brand"
	Category Purpose = "category"
	Seller   Purpose = "seller"
)

// ErrNoSelectorMatched is returned when every candidate of a purpose misses.
var ErrNoSelectorMatched = errors.New("no selector matched")

// NoMatchError names the purpose whose candidates all missed.
type NoMatchError struct {
	Purpose Purpose
	Tried   int
}

// Error implements the error interface.
func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no selector matched for %s (%d candidates tried)", e.Purpose, e.Tried)
}

// Is lets errors.Is match ErrNoSelectorMatched.
func (e *NoMatchError) Is(target error) bool {
	return target == ErrNoSelectorMatched
}

// Source counts the elements a locator matches. Implemented for parsed
// documents here and for live browser pages in the browser package.
type Source interface {
	Count(locator string) (int, error)
}

// Table maps each purpose to its priority-ordered candidates.
type Table map[Purpose][]string

// Clone returns a deep copy.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for p, c := range t {
		out[p] = append([]string(nil), c...)
	}
	return out
}

// Resolver picks the first matching candidate for a purpose.
type Resolver struct {
	mu    sync.RWMutex
	table Table
}

// NewResolver creates a resolver. A nil table selects DefaultTable.
func NewResolver(table Table) *Resolver {
	if table == nil {
		table = DefaultTable()
	}
	return &Resolver{table: table.Clone()}
}

// Candidates returns the ordered locators for a purpose.
func (r *Resolver) Candidates(p Purpose) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.table[p]...)
}

// Prepend adds locators ahead of the existing candidates of a purpose, for
// newer site markup discovered after release.
func (r *Resolver) Prepend(p Purpose, locators ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[p] = append(append([]string(nil), locators...), r.table[p]...)
}

// Resolve returns the first candidate locator with at least one match in src.
// Locators the source fails to evaluate count as misses.
func (r *Resolver) Resolve(src Source, p Purpose) (string, error) {
	candidates := r.Candidates(p)
	for _, loc := range candidates {
		n, err := src.Count(loc)
		if err != nil {
			continue
		}
		if n > 0 {
			return loc, nil
		}
	}
	return "", &NoMatchError{Purpose: p, Tried: len(candidates)}
}

// Select returns the match set of the first candidate that matches within root.
func (r *Resolver) Select(root *goquery.Selection, p Purpose) (*goquery.Selection, string, error) {
	candidates := r.Candidates(p)
	for _, loc := range candidates {
		matches := root.Find(loc)
		if matches.Length() > 0 {
			return matches, loc, nil
		}
	}
	return nil, "", &NoMatchError{Purpose: p, Tried: len(candidates)}
}

// Extract walks candidates in order and returns the first value accept
// approves. Unlike Select it moves past a matching locator whose content is
// unusable, such as a badge where a title was expected.
func (r *Resolver) Extract(root *goquery.Selection, p Purpose, accept func(*goquery.Selection) (string, bool)) (string, bool) {
	for _, loc := range r.Candidates(p) {
		var value string
		var ok bool
		root.Find(loc).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			value, ok = accept(s)
			return !ok
		})
		if ok {
			return value, true
		}
	}
	return "", false
}

// Has reports whether any candidate of the purpose matches within root.
func (r *Resolver) Has(root *goquery.Selection, p Purpose) bool {
	_, _, err := r.Select(root, p)
	return err == nil
}

// DocumentSource adapts a goquery selection to Source.
type DocumentSource struct {
	Root *goquery.Selection
}

// Count implements Source.
func (d DocumentSource) Count(locator string) (int, error) {
	return d.Root.Find(locator).Length(), nil
}

// ParseDocument parses page HTML into a goquery document.
func ParseDocument(body string) (*goquery.Document, error) {
	node, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	return goquery.NewDocumentFromNode(node), nil
}
