// Package taxonomy holds the keyword store used to interpret relief reports.
//
// A Taxonomy groups subcategories into three domains (supplies, locations and
// vulnerable groups), each entry carrying a priority, an icon and its
// keywords. It also carries the quantity patterns, special-needs phrases and
// urgency indicators the extractor scans for. The default taxonomy is
// embedded; operators can load their own YAML file with the same schema.
package taxonomy
