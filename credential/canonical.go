package credential

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/piprate/json-gold/ld"
)

// Vocabulary is the JSON-LD vocabulary the URDNA2015 canonicalizer maps
// credential fields into.
const Vocabulary = "https://w3id.org/credential-ledger#"

// Canonicalizer produces the deterministic byte form of a credential's
// signable fields. The proof is never part of the output.
type Canonicalizer interface {
	Canonicalize(c *Credential) ([]byte, error)
}

// Canonicalize returns the default canonical form of c.
func Canonicalize(c *Credential) ([]byte, error) {
	return JCS{}.Canonicalize(c)
}

// JCS canonicalizes the signable fields as a JSON object per RFC 8785.
type JCS struct{}

// Canonicalize implements Canonicalizer.
func (JCS) Canonicalize(c *Credential) ([]byte, error) {
	doc, err := signableDocument(c)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credential: %w", err)
	}

	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to transform credential: %w", err)
	}
	return out, nil
}

// URDNA2015 canonicalizes the signable fields as a JSON-LD document under
// Vocabulary, normalized to N-Quads. Claim arrays are ordered lists. Claims
// that have no lossless linked data form are rejected: null values, arrays
// nested directly in arrays, and keys that are empty, start with "@" or
// contain ":".
type URDNA2015 struct {
	// Loader resolves remote contexts. Nil uses the json-gold default loader.
	Loader ld.DocumentLoader
}

// Canonicalize implements Canonicalizer.
func (u URDNA2015) Canonicalize(c *Credential) ([]byte, error) {
	doc, err := signableDocument(c)
	if err != nil {
		return nil, err
	}
	if claims, ok := doc["claims"]; ok {
		if doc["claims"], err = linkedData(claims, "claims", false); err != nil {
			return nil, err
		}
	}
	doc["@context"] = map[string]interface{}{"@vocab": Vocabulary}

	processor := ld.NewJsonLdProcessor()
	opts := ld.NewJsonLdOptions("")
	opts.Format = "application/n-quads"
	opts.Algorithm = ld.AlgorithmURDNA2015
	if u.Loader != nil {
		opts.DocumentLoader = u.Loader
	}

	normalized, err := processor.Normalize(doc, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize credential: %w", err)
	}

	quads, ok := normalized.(string)
	if !ok || quads == "" {
		return nil, fmt.Errorf("failed to normalize credential: empty dataset")
	}
	return []byte(quads), nil
}

// linkedData maps a plain JSON claim value to JSON-LD that expands without
// losing order, multiplicity or values.
func linkedData(v interface{}, path string, inList bool) (interface{}, error) {
	switch v := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: %s is null", ErrInvalidCredential, path)
	case []interface{}:
		if inList {
			return nil, fmt.Errorf("%w: %s is an array nested in an array", ErrInvalidCredential, path)
		}
		items := make([]interface{}, len(v))
		for i, item := range v {
			var err error
			if items[i], err = linkedData(item, fmt.Sprintf("%s[%d]", path, i), true); err != nil {
				return nil, err
			}
		}
		return map[string]interface{}{"@list": items}, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			if key == "" || strings.HasPrefix(key, "@") || strings.Contains(key, ":") {
				return nil, fmt.Errorf("%w: %s has unsupported key %q", ErrInvalidCredential, path, key)
			}
			var err error
			if out[key], err = linkedData(item, path+"."+key, false); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return v, nil
	}
}

// signableDocument returns every field except the proof as plain JSON values.
func signableDocument(c *Credential) (map[string]interface{}, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: credential is nil", ErrInvalidCredential)
	}
	if c.ID == "" || c.Issuer == "" || c.Subject == "" || c.IssuedAt.IsZero() {
		return nil, fmt.Errorf("%w: id, issuer, subject and issuedAt are required", ErrInvalidCredential)
	}

	doc := map[string]interface{}{
		"id":       c.ID,
		"issuer":   c.Issuer,
		"subject":  c.Subject,
		"issuedAt": formatTime(c.IssuedAt),
	}
	if len(c.Claims) > 0 {
		doc["claims"] = c.Claims
	}
	if c.HasExpiry() {
		doc["expiresAt"] = formatTime(c.ExpiresAt)
	}

	// Round-trip so claim values are reduced to plain JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credential: %w", err)
	}
	var plain map[string]interface{}
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return plain, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
