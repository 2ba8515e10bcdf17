package payload

import (
	"strings"

	"github.com/JakeFAU/scrape-relay/internal/relay"
)

// urlFields are the record fields checked for known site names.
var urlFields = []string{"url", "job_url", "link", "apply_link"}

var genericMarkers = []string{"job_title", "title", "company_name", "url"}

type rule struct {
	category relay.Category
	urlParts []string
	fields   []string
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{
		category: relay.CategoryLinkedInCompanies,
		urlParts: []string{"linkedin.com/company"},
		fields:   []string{"company_size", "employees_in_linkedin"},
	},
	{
		category: relay.CategoryLinkedInJobs,
		urlParts: []string{"linkedin.com/jobs"},
		fields:   []string{"job_posting_id"},
	},
	{
		category: relay.CategoryIndeedJobs,
		urlParts: []string{"indeed.com"},
		fields:   []string{"jobid"},
	},
}

// Classify guesses the upstream source from records[0] only; a mixed batch is
// classified by its first entry. Empty input yields CategoryUnknown.
func Classify(records []relay.Record) relay.Category {
	if len(records) == 0 {
		return relay.CategoryUnknown
	}
	first := records[0]
	urls := recordURLs(first)
	for _, r := range rules {
		if containsAny(urls, r.urlParts) || hasAny(first, r.fields...) {
			return r.category
		}
	}
	if hasAny(first, genericMarkers...) {
		return relay.CategoryGeneric
	}
	return relay.CategoryUnknown
}

func recordURLs(rec relay.Record) []string {
	var out []string
	for _, f := range urlFields {
		if s := stringValue(rec[f]); s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	if input, ok := rec["input"].(map[string]any); ok {
		if s := stringValue(input["url"]); s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

func containsAny(values []string, parts []string) bool {
	for _, v := range values {
		for _, p := range parts {
			if strings.Contains(v, p) {
				return true
			}
		}
	}
	return false
}
