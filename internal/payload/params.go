package payload

import (
	"github.com/JakeFAU/scrape-relay/internal/relay"
)

// Search parameter keys echoed onto job records.
const (
	ParamKeyword  = "keyword"
	ParamLocation = "location"
	ParamCountry  = "country"
	ParamURLs     = "urls"
)

// ExtractSearchParams recovers, best-effort, the parameters a batch was
// triggered with. Each parameter is looked up in the record's "input" object,
// then "discovery_input", then a category-specific top-level field.
func ExtractSearchParams(category relay.Category, records []relay.Record) map[string]any {
	out := map[string]any{}
	if len(records) == 0 {
		return out
	}
	if category == relay.CategoryLinkedInCompanies {
		var urls []string
		for _, rec := range records {
			if u := lookup(rec, "url", "url"); u != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) > 0 {
			out[ParamURLs] = urls
		}
		return out
	}

	first := records[0]
	setIf(out, ParamKeyword, lookup(first, "keyword", "keyword"))
	switch category {
	case relay.CategoryIndeedJobs:
		setIf(out, ParamLocation, lookup(first, "location", "location"))
		setIf(out, ParamCountry, lookup(first, "country", "country"))
	default:
		setIf(out, ParamLocation, lookup(first, "location", "job_location"))
		setIf(out, ParamCountry, lookup(first, "country", "country_code"))
	}
	return out
}

// lookup checks input[key], discovery_input[key], then rec[fallback].
func lookup(rec relay.Record, key, fallback string) string {
	for _, nested := range []string{"input", "discovery_input"} {
		if obj, ok := rec[nested].(map[string]any); ok {
			if s := stringValue(obj[key]); s != "" {
				return s
			}
		}
	}
	return stringValue(rec[fallback])
}

func setIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
