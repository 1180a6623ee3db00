package scrape

import (
	"context"
	"errors"
	"net"
	"strings"
)

// errorPageSignatures identify HTTP 200 responses that are actually site
// error pages. The source site misspells "occurred" on its own error page;
// both spellings are matched in case it is ever fixed.
var errorPageSignatures = []string{
	"an error has occured",
	"an error has occurred",
	"dla internet bid board system - error",
}

// isErrorPage reports whether a 200 body is a disguised error page. This is
// a structural site-side signal (usually an IP block), not a one-off fault.
func isErrorPage(body string) bool {
	lower := strings.ToLower(body)
	for _, sig := range errorPageSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// isTimeout reports whether a transport error was a timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
