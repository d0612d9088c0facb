package analysis

import (
	"regexp"
	"sort"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

var englishStopWords = stopSet(
	"and", "the", "for", "with", "in", "of", "to", "a", "is", "on", "or", "at", "by",
	"hd", "pro", "pc", "usb", "type", "new", "pack", "set", "inch", "size", "color",
	"wireless", "bluetooth", "portable", "rechargeable", "waterproof", "gaming", "smart",
)

var koreanStopWords = stopSet(
	"및", "그리고", "또는", "의", "를", "을", "이", "가", "은", "는", "에", "와", "과",
	"용", "개", "세트", "정품", "무료배송", "당일발송", "신상", "인기", "추천", "특가",
)

func stopSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// Language identifies the stop-word list used for a keyword.
type Language string

const (
	English Language = "en"
	Korean  Language = "ko"
)

// DetectLanguage picks Korean when the keyword contains Hangul.
func DetectLanguage(keyword string) Language {
	for _, r := range keyword {
		if unicode.Is(unicode.Hangul, r) {
			return Korean
		}
	}
	return English
}

// Tokenize splits text into case-folded word tokens.
func Tokenize(text string) []string {
	folder := cases.Fold()
	text = norm.NFC.String(text)
	raw := tokenPattern.FindAllString(text, -1)
	tokens := make([]string, 0, len(raw))
	for _, t := range raw {
		tokens = append(tokens, folder.String(t))
	}
	return tokens
}

func keep(token string, lang Language) bool {
	if isDigits(token) {
		return false
	}
	switch lang {
	case Korean:
		return !koreanStopWords[token] && !englishStopWords[token] && utf8.RuneCountInString(token) > 1
	default:
		return !englishStopWords[token] && utf8.RuneCountInString(token) > 2
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

// TopKeywords counts title tokens across the batch after stop-word removal
// and returns the limit most frequent. Ties keep first-seen order.
func TopKeywords(keyword string, products []model.Product, limit int) []model.KeywordCount {
	lang := DetectLanguage(keyword)
	counts := map[string]int{}
	var order []string

	for _, p := range products {
		for _, token := range Tokenize(p.Title) {
			if !keep(token, lang) {
				continue
			}
			if counts[token] == 0 {
				order = append(order, token)
			}
			counts[token]++
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > limit {
		order = order[:limit]
	}

	out := make([]model.KeywordCount, 0, len(order))
	for _, w := range order {
		out = append(out, model.KeywordCount{Word: w, Count: counts[w]})
	}
	return out
}
