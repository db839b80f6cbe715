// Package did provides DID syntax handling and a versioned DID document
// store. Every key rotation or revocation appends a new document version, so
// a document can be resolved as it was at any ledger height.
package did

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pilacorp/go-credential-ledger/errdefs"
)

// Prefix is the scheme prefix every DID starts with.
const Prefix = "did:"

// ErrInvalidDID is returned when a string is not a syntactically valid DID.
var ErrInvalidDID = fmt.Errorf("invalid DID: %w", errdefs.ErrMalformedInput)

// Parse splits a DID of the form did:<method>:<method-specific-id>.
func Parse(did string) (method, id string, err error) {
	if !strings.HasPrefix(did, Prefix) {
		return "", "", fmt.Errorf("%w: %q must start with %q", ErrInvalidDID, did, Prefix)
	}

	method, id, ok := strings.Cut(strings.TrimPrefix(did, Prefix), ":")
	if !ok || method == "" || id == "" {
		return "", "", fmt.Errorf("%w: %q must have the form did:<method>:<id>", ErrInvalidDID, did)
	}

	for _, r := range method {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "", "", fmt.Errorf("%w: method %q must be lowercase alphanumeric", ErrInvalidDID, method)
		}
	}
	if !utf8.ValidString(id) {
		return "", "", fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidDID, did)
	}
	if strings.IndexFunc(id, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return "", "", fmt.Errorf("%w: %q contains whitespace or control characters", ErrInvalidDID, did)
	}

	return method, id, nil
}

// Validate checks the DID syntax.
func Validate(did string) error {
	_, _, err := Parse(did)
	return err
}
