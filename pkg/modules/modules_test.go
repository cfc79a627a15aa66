package modules

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/bsig/pkg/engine"
)

var _ engine.ModuleInventory = (*Inventory)(nil)

func newInventory(t *testing.T) *Inventory {
	t.Helper()
	inv, err := NewInventory(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return inv
}

func writeModule(t *testing.T, inv *Inventory, name string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(inv.Dir(), name, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"web", "nginx-1.2", "os_pkg"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", ".", "..", "../x", "a/b", ".hidden", "-x"} {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, name)
	}
}

func TestHashes(t *testing.T) {
	inv := newInventory(t)
	writeModule(t, inv, "nginx", map[string]string{"nginx.star": "def status(p): pass"})
	writeModule(t, inv, "user", map[string]string{"user.star": "x", "lib/util.star": "y"})
	require.NoError(t, os.MkdirAll(filepath.Join(inv.Dir(), ".nginx.123"), 0o755))

	hashes, err := inv.Hashes(context.Background())
	require.NoError(t, err)
	assert.Len(t, hashes, 2)
	assert.Len(t, hashes["nginx"], 64)
	assert.NotEqual(t, hashes["nginx"], hashes["user"])

	again, err := inv.Hashes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hashes, again)

	writeModule(t, inv, "user", map[string]string{"lib/util.star": "z"})
	changed, err := inv.Hash("user")
	require.NoError(t, err)
	assert.NotEqual(t, hashes["user"], changed)
	assert.Equal(t, hashes["nginx"], mustHash(t, inv, "nginx"))
}

func mustHash(t *testing.T, inv *Inventory, name string) string {
	t.Helper()
	h, err := inv.Hash(name)
	require.NoError(t, err)
	return h
}

func TestHashDependsOnPathNotOnlyContent(t *testing.T) {
	inv := newInventory(t)
	writeModule(t, inv, "a", map[string]string{"x.star": "same"})
	writeModule(t, inv, "b", map[string]string{"y.star": "same"})
	assert.NotEqual(t, mustHash(t, inv, "a"), mustHash(t, inv, "b"))
}

func TestArchiveInstallRoundTrip(t *testing.T) {
	src := newInventory(t)
	dst := newInventory(t)
	writeModule(t, src, "user", map[string]string{"user.star": "def status(p): pass", "lib/util.star": "u = 1"})

	archive, err := src.Archive(context.Background(), "user")
	require.NoError(t, err)
	require.NoError(t, dst.Install(context.Background(), "user", archive))

	assert.Equal(t, mustHash(t, src, "user"), mustHash(t, dst, "user"))
	content, err := os.ReadFile(filepath.Join(dst.Dir(), "user", "lib", "util.star"))
	require.NoError(t, err)
	assert.Equal(t, "u = 1", string(content))

	names, err := dst.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"user"}, names)
}

func TestInstallReplacesExistingModule(t *testing.T) {
	src := newInventory(t)
	dst := newInventory(t)
	writeModule(t, src, "user", map[string]string{"user.star": "v2"})
	writeModule(t, dst, "user", map[string]string{"user.star": "v1", "stale.star": "old"})

	archive, err := src.Archive(context.Background(), "user")
	require.NoError(t, err)
	require.NoError(t, dst.Install(context.Background(), "user", archive))

	_, err = os.Stat(filepath.Join(dst.Dir(), "user", "stale.star"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dst.Dir(), "user.old"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, mustHash(t, src, "user"), mustHash(t, dst, "user"))
}

func TestArchiveMissingModule(t *testing.T) {
	inv := newInventory(t)
	_, err := inv.Archive(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = inv.Archive(context.Background(), "../etc")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func compressTar(t *testing.T, build func(tw *tar.Writer)) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	build(tw)
	require.NoError(t, tw.Close())
	enc, _ := codecs()
	return enc.EncodeAll(buf.Bytes(), nil)
}

func TestInstallRejectsUnsafeArchives(t *testing.T) {
	tests := []struct {
		name  string
		build func(tw *tar.Writer)
	}{
		{
			name: "parent traversal",
			build: func(tw *tar.Writer) {
				_ = tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "../escape", Mode: 0o644, Size: 1})
				_, _ = tw.Write([]byte("x"))
			},
		},
		{
			name: "absolute path",
			build: func(tw *tar.Writer) {
				_ = tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "/tmp/escape", Mode: 0o644, Size: 1})
				_, _ = tw.Write([]byte("x"))
			},
		},
		{
			name: "symlink",
			build: func(tw *tar.Writer) {
				_ = tw.WriteHeader(&tar.Header{Typeflag: tar.TypeSymlink, Name: "link", Linkname: "/etc/passwd"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := newInventory(t)
			err := inv.Install(context.Background(), "evil", compressTar(t, tt.build))
			assert.ErrorIs(t, err, ErrUnsafeArchive)

			names, err := inv.List()
			require.NoError(t, err)
			assert.Empty(t, names)
		})
	}
}

func TestInstallRejectsGarbage(t *testing.T) {
	inv := newInventory(t)
	err := inv.Install(context.Background(), "x", []byte("not zstd"))
	assert.ErrorIs(t, err, ErrUnsafeArchive)
}
