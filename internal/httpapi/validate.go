package httpapi

import (
	"net/url"

	"github.com/nolas/bridge/internal/apierr"
)

// validateRedirectURI enforces §4.G step 1: scheme must be http or https
// and the host component must be non-empty.
func validateRedirectURI(raw string) error {
	if raw == "" {
		return apierr.New(apierr.InvalidRequest, "redirect_uri is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return apierr.New(apierr.InvalidRequest, "redirect_uri is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apierr.New(apierr.InvalidRequest, "redirect_uri must use http or https")
	}
	if u.Host == "" {
		return apierr.New(apierr.InvalidRequest, "redirect_uri must have a host")
	}
	return nil
}
