package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Fixtures
// =============================================================================

const testManifest = `[[source]]
name = "pypi"
url = "https://pypi.org/simple"
verify_ssl = true

[packages]
fastapi = "*"
uvicorn = { version = "*", extras = ["standard"] }

[dev-packages]
pytest = "*"

[requires]
python_version = "3.11"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// lockFor builds a minimal lock artifact whose recorded hash matches the
// given manifest content.
func lockFor(t *testing.T, manifestTOML string) string {
	t.Helper()
	hash, err := ManifestHash([]byte(manifestTOML))
	require.NoError(t, err)
	return fmt.Sprintf(`{"_meta": {"hash": {"sha256": %q}}, "default": {}, "develop": {}}`, hash)
}

// =============================================================================
// ManifestHash Tests
// =============================================================================

func TestManifestHash_Deterministic(t *testing.T) {
	h1, err := ManifestHash([]byte(testManifest))
	require.NoError(t, err)
	h2, err := ManifestHash([]byte(testManifest))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64) // hex-encoded sha256
}

func TestManifestHash_ChangesWithPackages(t *testing.T) {
	h1, err := ManifestHash([]byte(testManifest))
	require.NoError(t, err)

	// The scripts section is not part of the hash.
	h2, err := ManifestHash([]byte(testManifest + "\n[scripts]\ntest = \"pytest\"\n"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// A new package is.
	h3, err := ManifestHash([]byte(testManifest + "\n[packages.sqlmodel]\nversion = \"*\"\n"))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestManifestHash_InvalidTOML(t *testing.T) {
	_, err := ManifestHash([]byte("[[broken"))
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

// The expected hashes below were computed with the dependency manager's own
// serializer: json.dumps(data, sort_keys=True, separators=(",", ":")). A lock
// written by the real tool must verify as in sync, so these are pinned.

const versionSpecManifest = `[[source]]
name = "pypi"
url = "https://pypi.org/simple"
verify_ssl = true

[requires]
python_version = "3.9"

[packages]
fastapi = { version = ">=0.65" }
uvicorn = "*"

[dev-packages]
pytest = "*"
`

func TestManifestHash_MatchesManagerScheme(t *testing.T) {
	// ">=" must not be HTML-escaped on the way into the hash.
	hash, err := ManifestHash([]byte(versionSpecManifest))
	require.NoError(t, err)
	assert.Equal(t, "759e3db58d9c7c227410cd99eab9b4a4704814b7f41d9d6b0432f95bedfe062f", hash)
}

func TestManifestHash_EscapesNonASCII(t *testing.T) {
	manifest := `[[source]]
name = "pypi"
url = "https://pypi.org/simple"
verify_ssl = true

[requires]
python_version = "3.9"

[packages]
"señor-pkg" = { version = ">=1.0" }
`
	hash, err := ManifestHash([]byte(manifest))
	require.NoError(t, err)
	assert.Equal(t, "7a3e573d4227624fde87e41f8fc86fd0167dd27bda77ad1c2499f229fe1ae629", hash)
}

// =============================================================================
// LockedHash Tests
// =============================================================================

func TestLockedHash_Extracts(t *testing.T) {
	hash, err := LockedHash([]byte(`{"_meta": {"hash": {"sha256": "abc123"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "abc123", hash)
}

func TestLockedHash_MissingHash(t *testing.T) {
	_, err := LockedHash([]byte(`{"_meta": {}}`))
	assert.ErrorIs(t, err, ErrInvalidLock)
}

func TestLockedHash_InvalidJSON(t *testing.T) {
	_, err := LockedHash([]byte(`{`))
	assert.ErrorIs(t, err, ErrInvalidLock)
}

// =============================================================================
// Check Tests
// =============================================================================

func TestCheck_InSync(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "Pipfile", testManifest)
	lockPath := writeFile(t, dir, "Pipfile.lock", lockFor(t, testManifest))

	decision, err := Check(manifestPath, lockPath)
	require.NoError(t, err)
	assert.Equal(t, DecisionInSync, decision)
	assert.False(t, decision.NeedsRegeneration())
}

func TestCheck_InSyncIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "Pipfile", testManifest)
	lockPath := writeFile(t, dir, "Pipfile.lock", lockFor(t, testManifest))

	// Repeated checks over unchanged files always agree.
	for i := 0; i < 3; i++ {
		decision, err := Check(manifestPath, lockPath)
		require.NoError(t, err)
		assert.Equal(t, DecisionInSync, decision)
	}
}

func TestCheck_ManagerWrittenLockIsInSync(t *testing.T) {
	// Lock hash as the real tool records it for versionSpecManifest.
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "Pipfile", versionSpecManifest)
	lockPath := writeFile(t, dir, "Pipfile.lock",
		`{"_meta": {"hash": {"sha256": "759e3db58d9c7c227410cd99eab9b4a4704814b7f41d9d6b0432f95bedfe062f"}}, "default": {}, "develop": {}}`)

	decision, err := Check(manifestPath, lockPath)
	require.NoError(t, err)
	assert.Equal(t, DecisionInSync, decision)
}

func TestCheck_ManifestChanged(t *testing.T) {
	dir := t.TempDir()
	lockPath := writeFile(t, dir, "Pipfile.lock", lockFor(t, testManifest))

	changed := testManifest + "\n[packages.httpx]\nversion = \"*\"\n"
	manifestPath := writeFile(t, dir, "Pipfile", changed)

	decision, err := Check(manifestPath, lockPath)
	require.NoError(t, err)
	assert.Equal(t, DecisionRegenerate, decision)
	assert.True(t, decision.NeedsRegeneration())
}

func TestCheck_MissingLock(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "Pipfile", testManifest)

	decision, err := Check(manifestPath, filepath.Join(dir, "Pipfile.lock"))
	require.NoError(t, err)
	assert.Equal(t, DecisionMissingLock, decision)
	assert.True(t, decision.NeedsRegeneration())
}

func TestCheck_CorruptLockRegenerates(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "Pipfile", testManifest)
	lockPath := writeFile(t, dir, "Pipfile.lock", "not json at all")

	decision, err := Check(manifestPath, lockPath)
	require.NoError(t, err)
	assert.Equal(t, DecisionRegenerate, decision)
}

func TestCheck_MissingManifest(t *testing.T) {
	dir := t.TempDir()
	lockPath := writeFile(t, dir, "Pipfile.lock", lockFor(t, testManifest))

	_, err := Check(filepath.Join(dir, "Pipfile"), lockPath)
	assert.ErrorIs(t, err, ErrManifestNotFound)
}
