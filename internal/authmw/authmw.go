// Package authmw provides HTTP middleware for reviewer bearer token
// authentication.
package authmw

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ctxKey struct{}

// Reviewers returns middleware that accepts an Authorization header with a
// Bearer token from tokens (token -> reviewer name) and stores the reviewer
// name in the request context. Every configured token is compared in
// constant time.
func Reviewers(tokens map[string]string) func(http.Handler) http.Handler {
	type entry struct {
		token []byte
		name  string
	}
	entries := make([]entry, 0, len(tokens))
	for tok, name := range tokens {
		entries = append(entries, entry{token: []byte(tok), name: name})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			reviewer := ""
			for _, e := range entries {
				if subtle.ConstantTimeCompare(got, e.token) == 1 {
					reviewer = e.name
				}
			}
			if reviewer == "" {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithReviewer(r.Context(), reviewer)))
		})
	}
}

// WithReviewer returns a copy of ctx carrying the reviewer name.
func WithReviewer(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxKey{}, name)
}

// ReviewerFromContext returns the authenticated reviewer, if any.
func ReviewerFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(ctxKey{}).(string)
	return name, ok && name != ""
}

// ParseTokens reads "name:token" pairs separated by commas into a
// token -> name map.
func ParseTokens(s string) (map[string]string, error) {
	out := make(map[string]string)
	var errs []error
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, tok, ok := strings.Cut(pair, ":")
		name, tok = strings.TrimSpace(name), strings.TrimSpace(tok)
		if !ok || name == "" || tok == "" {
			errs = append(errs, fmt.Errorf("reviewer token %q: want name:token", pair))
			continue
		}
		if prev, dup := out[tok]; dup {
			errs = append(errs, fmt.Errorf("reviewer token for %q duplicates %q", name, prev))
			continue
		}
		out[tok] = name
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
