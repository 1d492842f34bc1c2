package provider

import "net/http"

// HTTPClient is the subset of *http.Client the adapters use.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

var _ HTTPClient = (*http.Client)(nil)
