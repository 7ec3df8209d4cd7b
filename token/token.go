// Package token provides bearer-credential sources for outbound calls. The
// Subscriber keeps a token fresh by re-fetching it from a token endpoint
// shortly before it expires.
package token

import (
	"github.com/edgegate/reportclient/httpcall"
)

// Static returns a TokenSource that always yields the given token.
func Static(token string) httpcall.TokenSource {
	return httpcall.TokenFunc(func() string { return token })
}
