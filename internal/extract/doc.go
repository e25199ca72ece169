// Package extract reads supply needs, vulnerable groups and locations out of
// free-text incident reports.
//
// The Matcher performs keyword scans against a taxonomy. The Extractor
// scores the scan, flags it for human review when the score is low or a
// mention looks doubtful, and optionally hands the text to an Escalator for
// a second opinion from a language model.
package extract
