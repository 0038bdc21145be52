// Package urlutil builds issuer-relative endpoint URLs and redirect targets.
package urlutil

import (
	"net/url"
	"path"
	"strings"
)

// JoinPath appends paths to the path of base, keeping a trailing slash on
// the last element.
func JoinPath(base string, paths ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	allPaths := append([]string{u.Path}, paths...)
	u.Path = path.Join(allPaths...)

	if len(paths) > 0 && strings.HasSuffix(paths[len(paths)-1], "/") {
		u.Path += "/"
	}

	return u.String(), nil
}

// WithQuery merges params into the query of target. Existing parameters
// with the same name are replaced; empty values are skipped.
func WithQuery(target string, params map[string]string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// WithFragment replaces the fragment of target with params in form
// encoding. Empty values are skipped.
func WithFragment(target string, params map[string]string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	values := url.Values{}
	for k, v := range params {
		if v != "" {
			values.Set(k, v)
		}
	}
	u.Fragment = ""
	return u.String() + "#" + values.Encode(), nil
}
