package orchestrator

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// DefaultJoomlaStep is the item offset between Joomla listing pages.
const DefaultJoomlaStep = 10

// PageURL returns the URL of page n (1-based) of a listing. Page 1 is the
// listing itself; later pages use the query parameter the CMS expects.
func PageURL(listing string, cms crawler.CMSHint, n, joomlaStep int) (string, error) {
	if n <= 1 {
		return listing, nil
	}
	u, err := url.Parse(listing)
	if err != nil {
		return "", fmt.Errorf("parse listing url: %w", err)
	}
	q := u.Query()
	switch cms {
	case crawler.CMSWordPress:
		q.Set("paged", strconv.Itoa(n))
	case crawler.CMSJoomla:
		if joomlaStep <= 0 {
			joomlaStep = DefaultJoomlaStep
		}
		q.Set("start", strconv.Itoa((n-1)*joomlaStep))
	default:
		q.Set("page", strconv.Itoa(n))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
