package scraper

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/PentesterFlow/MarketInsights/internal/model"
	"github.com/PentesterFlow/MarketInsights/internal/selector"
)

// ExtractList turns every result card under root into a product. Cards
// without a usable title are dropped; every other field degrades to its
// zero value when the markup does not yield it.
func (e *Engine) ExtractList(root *goquery.Selection, keyword string) []model.Product {
	cards, loc, err := e.resolver.Select(root, selector.ResultCard)
	if err != nil {
		e.log.Debugf("no result cards: %v", err)
		return nil
	}
	e.log.Debugf("found %d cards via %s", cards.Length(), loc)

	now := e.now()
	var products []model.Product
	cards.Each(func(_ int, card *goquery.Selection) {
		p, ok := e.extractCard(card)
		if !ok {
			return
		}
		p.Keyword = keyword
		p.ScrapedAt = now
		products = append(products, p)
	})
	return products
}

func (e *Engine) extractCard(card *goquery.Selection) (model.Product, bool) {
	r := e.resolver

	title, ok := r.Extract(card, selector.Title, acceptTitle)
	if !ok {
		return model.Product{}, false
	}

	p := model.Product{Title: title}

	if href, ok := r.Extract(card, selector.DetailLink, acceptHref); ok {
		p.URL = e.absoluteURL(href)
	}

	p.ID = strings.TrimSpace(card.AttrOr("data-asin", ""))
	if p.ID == "" {
		p.ID = IDFromURL(p.URL)
	}
	if p.ID == "" {
		sum := md5.Sum([]byte(strings.ToLower(title)))
		p.ID = "title-" + hex.EncodeToString(sum[:])[:12]
	}

	if price, ok := r.Extract(card, selector.Price, acceptPrice); ok {
		v, _ := ParsePrice(price)
		p.Price = model.Float(v)
	} else if v, ok := FindPrice(card.Text()); ok {
		p.Price = model.Float(v)
	}

	if rating, ok := r.Extract(card, selector.Rating, acceptRating); ok {
		p.Rating = model.Float(ParseRating(rating))
	}

	if reviews, ok := r.Extract(card, selector.ReviewCount, acceptCount); ok {
		p.ReviewCount = ParseCount(reviews)
	}

	if sales, ok := r.Extract(card, selector.SalesVelocity, acceptSales); ok {
		p.PurchasedLastMonth = ParseSalesVelocity(sales)
	}
	if p.PurchasedLastMonth == 0 {
		p.PurchasedLastMonth = EstimateSalesVelocity(p.ReviewCount)
	}

	p.IsExpeditedShipping = r.Has(card, selector.Expedited)
	return p, true
}

// RefineDetail fills brand, category and seller from a product page,
// keeping the list-level values where the page yields nothing.
func (e *Engine) RefineDetail(p model.Product, root *goquery.Selection) model.Product {
	r := e.resolver
	if brand, ok := r.Extract(root, selector.Brand, acceptText); ok {
		p.Brand = cleanBrand(brand)
	}
	if category, ok := r.Extract(root, selector.Category, acceptText); ok {
		p.Category = category
	}
	if seller, ok := r.Extract(root, selector.Seller, acceptText); ok {
		p.Seller = seller
	}
	return p
}

func (e *Engine) nextPageURL(root *goquery.Selection) string {
	href, ok := e.resolver.Extract(root, selector.NextPage, acceptHref)
	if !ok {
		return ""
	}
	return e.absoluteURL(href)
}

func (e *Engine) absoluteURL(href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	base, err := url.Parse(e.config.BaseURL)
	if err != nil || base.Host == "" {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func cleanBrand(text string) string {
	text = strings.TrimSpace(text)
	lower := strings.ToLower(text)
	switch {
	case strings.HasPrefix(lower, "visit the ") && strings.HasSuffix(lower, " store"):
		text = text[len("visit the ") : len(text)-len(" store")]
	case strings.HasPrefix(lower, "brand:"):
		text = text[len("brand:"):]
	}
	return strings.TrimSpace(text)
}

func textOrLabel(s *goquery.Selection) string {
	text := strings.Join(strings.Fields(s.Text()), " ")
	if text == "" {
		text = strings.TrimSpace(s.AttrOr("aria-label", ""))
	}
	if text == "" {
		text = strings.TrimSpace(s.AttrOr("alt", ""))
	}
	return text
}

func acceptText(s *goquery.Selection) (string, bool) {
	text := textOrLabel(s)
	return text, text != ""
}

func acceptTitle(s *goquery.Selection) (string, bool) {
	text := textOrLabel(s)
	if IsBadgeText(text) {
		return "", false
	}
	return text, true
}

func acceptHref(s *goquery.Selection) (string, bool) {
	href := strings.TrimSpace(s.AttrOr("href", ""))
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return "", false
	}
	return href, true
}

func acceptPrice(s *goquery.Selection) (string, bool) {
	text := textOrLabel(s)
	if _, ok := ParsePrice(text); !ok {
		return "", false
	}
	return text, true
}

func acceptRating(s *goquery.Selection) (string, bool) {
	text := textOrLabel(s)
	if !strings.Contains(strings.ToLower(text), "out of") && ParseRating(text) == 0 {
		return "", false
	}
	return text, true
}

func acceptCount(s *goquery.Selection) (string, bool) {
	text := textOrLabel(s)
	if ParseCount(text) == 0 {
		return "", false
	}
	return text, true
}

func acceptSales(s *goquery.Selection) (string, bool) {
	text := textOrLabel(s)
	if ParseSalesVelocity(text) == 0 {
		return "", false
	}
	return text, true
}
