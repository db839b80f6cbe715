package credential

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/pilacorp/go-credential-ledger/errdefs"
)

var (
	// ErrInvalidClaims is returned when claims do not satisfy the schema.
	ErrInvalidClaims = fmt.Errorf("invalid claims: %w", errdefs.ErrMalformedInput)
	// ErrInvalidSchema is returned when the schema itself cannot be loaded.
	ErrInvalidSchema = fmt.Errorf("invalid claims schema: %w", errdefs.ErrMalformedInput)
)

// ValidateClaims validates claims against a JSON schema document.
func ValidateClaims(schema []byte, claims map[string]interface{}) error {
	if claims == nil {
		claims = map[string]interface{}{}
	}

	schemaLoader := gojsonschema.NewBytesLoader(schema)
	claimsLoader := gojsonschema.NewGoLoader(claims)

	result, err := gojsonschema.Validate(schemaLoader, claimsLoader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidClaims, strings.Join(msgs, "; "))
	}

	return nil
}
