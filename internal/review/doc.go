// Package review keeps the queue of extractions waiting for a human
// decision. Items move from pending to approved, corrected or rejected
// exactly once and are never reopened.
package review
