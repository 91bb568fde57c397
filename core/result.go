package core

import (
	"fmt"
	"strings"
)

// Results crossing the dispatch boundary are plain strings with a narrow
// prefix convention: generated images carry ImageUrlPrefix, failures carry
// errPrefix. Every marker string lives here so consumers never hardcode them.

const (
	ImageUrlPrefix = "IMAGE_URL:"

	errPrefix = "❌"

	FallbackResponse = "Sorry, I'm not feeling well today. Please try again later."

	credentialResponse = "My API credentials are misconfigured. Please check the configured api key."
)

// TagImageUrl marks a generated image reference for the boundary consumer.
func TagImageUrl(url string) string {
	return ImageUrlPrefix + url
}

func IsImageUrl(s string) bool {
	return strings.HasPrefix(s, ImageUrlPrefix)
}

// CredentialError reports a missing or empty api key, detected before any call.
func CredentialError() string {
	return fmt.Sprintf("%s image generation unavailable: api key is not configured", errPrefix)
}

// UpstreamError wraps a non-success status from the generation capability.
func UpstreamError(status int, message string) string {
	return fmt.Sprintf("%s image generation failed (status %d): %s", errPrefix, status, message)
}

// CrashError wraps a transport or decoding fault during the call.
func CrashError(err error) string {
	return fmt.Sprintf("%s image generation crashed: %v", errPrefix, err)
}

func IsErrorMarker(s string) bool {
	return strings.HasPrefix(s, errPrefix)
}

// FailureMessage renders an error that escaped a responder into the
// user-facing payload. A 401 in the description means bad credentials and
// gets named explicitly instead of the generic text.
func FailureMessage(err error) string {
	if err == nil {
		return FallbackResponse
	}
	if strings.Contains(err.Error(), "401") {
		return credentialResponse
	}
	return FallbackResponse
}
