package selector

// DefaultTable returns the candidate locators for the marketplace search and
// product pages, newest markup first.
func DefaultTable() Table {
	return Table{
		ResultContainer: {
			`[data-component-type="s-search-results"]`,
			`div.s-main-slot`,
			`[data-component-type="s-search-result"]`,
			`.s-result-item`,
			`[data-cel-widget*="search_result"]`,
		},
		ResultCard: {
			`[data-component-type="s-search-result"]`,
			`.s-result-item[data-asin]:not([data-asin=""])`,
			`[data-asin]:not([data-asin=""])`,
			`.s-card-container`,
			`[data-cel-widget*="search_result"]`,
			`div[data-cy="title-recipe-list"] > div`,
		},
		Title: {
			`h3.s-size-mini a span`,
			`[data-cy="title-recipe"] h2 span`,
			`h2 a span`,
			`h2 span`,
			`h3 a span`,
			`a[aria-label]`,
			`img[alt]`,
		},
		Price: {
			`.a-price:not(.a-text-price) .a-offscreen`,
			`.a-price .a-offscreen`,
			`.a-price-whole`,
			`.a-price-range`,
			`[data-cy="price-recipe"] .a-price`,
			`.a-color-price`,
		},
		Rating: {
			`i.a-icon-star-small span.a-icon-alt`,
			`i.a-icon-star-mini span.a-icon-alt`,
			`span.a-icon-alt`,
			`[aria-label*="out of 5 stars"]`,
		},
		ReviewCount: {
			`[data-cy="reviews-block"] a[href*="customerReviews"] span`,
			`a[href*="#customerReviews"] span`,
			`span[aria-label$="ratings"]`,
			`span.s-underline-text`,
		},
		SalesVelocity: {
			`[data-cy="reviews-block"] span.a-color-secondary`,
			`span.a-size-base.a-color-secondary`,
			`div.a-row.a-size-base span`,
		},
		Expedited: {
			`i.a-icon-prime`,
			`.a-icon-prime`,
			`[aria-label*="Prime"]`,
			`[alt*="Prime"]`,
			`.s-prime`,
		},
		DetailLink: {
			`h2 a[href]`,
			`a.a-link-normal.s-no-outline[href]`,
			`a[href*="/dp/"]`,
			`a[href]`,
		},
		NextPage: {
			`a.s-pagination-next:not(.s-pagination-disabled)`,
			`ul.a-pagination li.a-last a`,
		},
		SearchInput: {
			`input#twotabsearchtextbox`,
			`input[name="field-keywords"]`,
		},
		SearchSubmit: {
			`input#nav-search-submit-button`,
			`#nav-search-submit-text input`,
			`form[name="site-search"] [type="submit"]`,
		},
		Brand: {
			`#bylineInfo`,
			`tr.po-brand td.a-span9 span`,
			`a#brand`,
			`[class*="brand"]`,
		},
		Category: {
			`#wayfinding-breadcrumbs_feature_div ul li:last-child a`,
			`#wayfinding-breadcrumbs_container ul li:last-child a`,
			`.a-breadcrumb li:last-child a`,
		},
		Seller: {
			`#sellerProfileTriggerId`,
			`#merchant-info a`,
			`[class*="seller"]`,
		},
	}
}
