// Package signup implements the marketplace signup submission flow: reading
// the registration token from the page URL, folding form fields into a
// submission body, posting it to the login endpoint, and accumulating the
// notifications the page shows for each outcome.
package signup

import (
	"net/url"
	"strings"
)

// TokenParam is the query parameter the marketplace appends to the signup
// redirect URL.
const TokenParam = "x-gcp-marketplace-token"

// ExtractToken returns the registration token carried in a URL query string,
// or "" when the parameter is absent. Plus signs decode to spaces and percent
// escapes are resolved. The parse is tolerant: malformed escapes elsewhere in
// the query never prevent extraction, and no error is ever reported, since
// arriving without a token is an expected state for direct visitors.
func ExtractToken(rawQuery string) string {
	rawQuery = strings.TrimPrefix(rawQuery, "?")
	values, _ := url.ParseQuery(rawQuery)
	return values.Get(TokenParam)
}
