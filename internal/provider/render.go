package provider

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	textSelectors  = "h1, h2, h3, h4, p, li, dt, dd, th, td, label, option, button, span.price, .price"
	noiseSelectors = "script, style, noscript, svg, header, footer, nav, aside, form[action*='search'], .header, .footer, .navigation, .menu, .breadcrumb"
)

var priceMetaSelectors = []string{
	"meta[property='product:price:amount']",
	"meta[property='og:price:amount']",
	"meta[itemprop='price']",
}

// renderMarkdown renders a product-relevant markdown view of a page: title,
// meta price, text blocks, images and Product JSON-LD. doc is not modified.
func renderMarkdown(doc *goquery.Selection, pageURL *url.URL) string {
	var b strings.Builder

	title := collapse(doc.Find("title").First().Text())
	if h1 := collapse(doc.Find("h1").First().Text()); h1 != "" {
		title = h1
	}
	if title != "" {
		b.WriteString("# " + title + "\n\n")
	}

	for _, sel := range priceMetaSelectors {
		if amount, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(amount) != "" {
			currency := doc.Find("meta[property='product:price:currency'], meta[itemprop='priceCurrency']").First().AttrOr("content", "")
			b.WriteString(strings.TrimSpace("Price: " + strings.TrimSpace(amount) + " " + currency))
			b.WriteString("\n\n")
			break
		}
	}

	var jsonLD []string
	doc.Find("script[type='application/ld+json']").Each(func(_ int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.Text())
		if strings.Contains(raw, `"Product"`) {
			jsonLD = append(jsonLD, raw)
		}
	})

	body := doc.Find("body").Clone()
	body.Find(noiseSelectors).Remove()

	seen := map[string]bool{title: true}
	body.Find(textSelectors).Each(func(_ int, s *goquery.Selection) {
		text := collapse(s.Text())
		if text == "" || seen[text] {
			return
		}
		seen[text] = true

		switch goquery.NodeName(s) {
		case "h1", "h2":
			b.WriteString("## " + text + "\n\n")
		case "h3", "h4":
			b.WriteString("### " + text + "\n\n")
		case "li", "option":
			b.WriteString("- " + text + "\n")
		default:
			b.WriteString(text + "\n\n")
		}
	})

	images := make(map[string]bool)
	doc.Find("body img").Each(func(_ int, s *goquery.Selection) {
		src := s.AttrOr("src", "")
		if src == "" || strings.HasPrefix(src, "data:") {
			src = s.AttrOr("data-src", "")
		}
		abs, ok := absolute(pageURL, src)
		if !ok || images[abs] {
			return
		}
		images[abs] = true
		b.WriteString("![" + collapse(s.AttrOr("alt", "")) + "](" + abs + ")\n")
	})

	for _, raw := range jsonLD {
		b.WriteString("\n```json\n" + raw + "\n```\n")
	}

	return strings.TrimSpace(b.String())
}

func absolute(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
