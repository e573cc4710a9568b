// Package lockfile checks a dependency lock artifact against its manifest.
// This package contains NO I/O beyond reading the two files handed to it;
// the decision logic itself is pure.
package lockfile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/pelletier/go-toml/v2"
)

// =============================================================================
// Decision
// =============================================================================

// Decision is the outcome of a lock consistency check.
type Decision string

const (
	// DecisionInSync means the lock artifact matches the manifest; no
	// regeneration is needed.
	DecisionInSync Decision = "in_sync"

	// DecisionRegenerate means the lock artifact's recorded hash does not
	// match the manifest; the lock must be regenerated before installing.
	DecisionRegenerate Decision = "regenerate"

	// DecisionMissingLock means no lock artifact exists yet.
	DecisionMissingLock Decision = "missing_lock"
)

// NeedsRegeneration reports whether the decision requires rewriting the lock.
func (d Decision) NeedsRegeneration() bool {
	return d == DecisionRegenerate || d == DecisionMissingLock
}

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrManifestNotFound = errors.New("dependency manifest not found")
	ErrInvalidManifest  = errors.New("invalid dependency manifest")
	ErrInvalidLock      = errors.New("invalid lock artifact")
)

// =============================================================================
// Manifest / Lock Parsing
// =============================================================================

// manifest mirrors the sections of the dependency manifest that participate
// in the lock hash: package sources, runtime requirements, and the two
// package groups.
type manifest struct {
	Source   []map[string]any `toml:"source"`
	Requires map[string]any   `toml:"requires"`
	Packages map[string]any   `toml:"packages"`
	Dev      map[string]any   `toml:"dev-packages"`
}

// lockMeta is the subset of the lock artifact needed for the check.
type lockMeta struct {
	Meta struct {
		Hash struct {
			SHA256 string `json:"sha256"`
		} `json:"hash"`
	} `json:"_meta"`
}

// ManifestHash computes the hash the lock artifact should record for the
// given manifest content. The hash covers sources, requires and both package
// groups, serialized as canonical JSON (sorted keys, no whitespace) - the
// same scheme the dependency manager itself uses, so a lock produced by the
// real tool verifies here.
func ManifestHash(manifestTOML []byte) (string, error) {
	var m manifest
	if err := toml.Unmarshal(manifestTOML, &m); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	sources := m.Source
	if sources == nil {
		sources = []map[string]any{}
	}
	data := map[string]any{
		"_meta": map[string]any{
			"sources":  sources,
			"requires": emptyIfNil(m.Requires),
		},
		"default": emptyIfNil(m.Packages),
		"develop": emptyIfNil(m.Dev),
	}

	content, err := canonicalJSON(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON serializes data the way the dependency manager's own
// serializer does: sorted keys, no whitespace, no HTML escaping, and
// non-ASCII runes written as \uXXXX escapes. Anything less exact and a lock
// written by the real tool fails to verify here.
func canonicalJSON(data any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	// Encode appends a newline that is not part of the hashed content.
	return escapeNonASCII(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// escapeNonASCII rewrites every rune above 0x7F as a \uXXXX escape, using a
// surrogate pair for runes outside the basic plane. Non-ASCII bytes only
// occur inside JSON strings, so a byte-level pass is safe.
func escapeNonASCII(in []byte) []byte {
	if isASCII(in) {
		return in
	}
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); {
		r, size := utf8.DecodeRune(in[i:])
		if r < utf8.RuneSelf {
			out = append(out, in[i])
			i++
			continue
		}
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			out = fmt.Appendf(out, `\u%04x\u%04x`, hi, lo)
		} else {
			out = fmt.Appendf(out, `\u%04x`, r)
		}
		i += size
	}
	return out
}

func isASCII(in []byte) bool {
	for _, b := range in {
		if b >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// LockedHash extracts the manifest hash recorded inside the lock artifact.
func LockedHash(lockJSON []byte) (string, error) {
	var l lockMeta
	if err := json.Unmarshal(lockJSON, &l); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLock, err)
	}
	if l.Meta.Hash.SHA256 == "" {
		return "", fmt.Errorf("%w: missing _meta.hash.sha256", ErrInvalidLock)
	}
	return l.Meta.Hash.SHA256, nil
}

// =============================================================================
// Consistency Check
// =============================================================================

// Check compares the lock artifact at lockPath against the manifest at
// manifestPath and returns the resulting decision.
//
// A missing manifest is an error (nothing to lock against). A missing lock
// artifact is not: it yields DecisionMissingLock so the caller regenerates.
// An unreadable or malformed lock also yields a regeneration decision - the
// artifact is replaceable by construction.
func Check(manifestPath, lockPath string) (Decision, error) {
	manifestTOML, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrManifestNotFound, manifestPath)
		}
		return "", fmt.Errorf("read manifest: %w", err)
	}

	want, err := ManifestHash(manifestTOML)
	if err != nil {
		return "", err
	}

	lockJSON, err := os.ReadFile(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return DecisionMissingLock, nil
		}
		return "", fmt.Errorf("read lock artifact: %w", err)
	}

	got, err := LockedHash(lockJSON)
	if err != nil {
		// A corrupt lock is treated like a stale one: regenerate.
		return DecisionRegenerate, nil
	}

	if got != want {
		return DecisionRegenerate, nil
	}
	return DecisionInSync, nil
}

func emptyIfNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
