// Package modules manages the resource modules installed on an agent: one
// directory per module under the modules directory. Modules are identified
// across agents by a content hash and shipped between agents as
// zstd-compressed tar archives.
package modules

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
)

// MaxArchiveSize bounds the decompressed size of an installed module.
const MaxArchiveSize = 64 << 20

// moduleDomainKey separates module hashes from any other BLAKE3 use.
var moduleDomainKey = [32]byte{
	'b', 's', 'i', 'g', '.', 'm', 'o', 'd', 'u', 'l', 'e',
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

var (
	// ErrInvalidName is returned for module names that are not a single
	// safe path element.
	ErrInvalidName = errors.New("invalid module name")

	// ErrNotFound is returned when a module directory does not exist.
	ErrNotFound = errors.New("module not found")

	// ErrUnsafeArchive is returned for archives with entries escaping the
	// module directory, links, or oversized content.
	ErrUnsafeArchive = errors.New("unsafe module archive")
)

// zstd encoders and decoders are safe for concurrent use.
var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
)

func codecs() (*zstd.Encoder, *zstd.Decoder) {
	encoderOnce.Do(func() {
		var err error
		encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic("modules: zstd encoder initialization failed: " + err.Error())
		}
		decoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxArchiveSize))
		if err != nil {
			panic("modules: zstd decoder initialization failed: " + err.Error())
		}
	})
	return encoder, decoder
}

// Inventory implements engine.ModuleInventory over a modules directory.
type Inventory struct {
	dir    string
	logger zerolog.Logger

	// mu serializes installs against hashing and archiving.
	mu sync.RWMutex
}

// NewInventory returns the inventory rooted at dir, creating it if needed.
func NewInventory(dir string, logger zerolog.Logger) (*Inventory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create modules directory: %w", err)
	}
	return &Inventory{
		dir:    dir,
		logger: logger.With().Str("component", "modules").Logger(),
	}, nil
}

// Dir returns the modules directory.
func (inv *Inventory) Dir() string {
	return inv.dir
}

// ValidateName checks that name is usable as a module directory.
func ValidateName(name string) error {
	if !validName.MatchString(name) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// List returns the installed module names in sorted order. Directories
// whose names start with a dot are staging areas and are skipped.
func (inv *Inventory) List() ([]string, error) {
	entries, err := os.ReadDir(inv.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read modules directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Hashes returns module name to content hash for every installed module.
func (inv *Inventory) Hashes(ctx context.Context) (map[string]string, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	names, err := inv.List()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h, err := hashDir(filepath.Join(inv.dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to hash module %s: %w", name, err)
		}
		out[name] = h
	}
	return out, nil
}

// Hash returns the content hash of one module.
func (inv *Inventory) Hash(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	dir := filepath.Join(inv.dir, name)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return hashDir(dir)
}

// hashDir hashes the relative path, mode and content of every regular file
// below dir, in lexical order. The result does not depend on timestamps.
func hashDir(dir string) (string, error) {
	h, err := blake3.NewKeyed(moduleDomainKey[:])
	if err != nil {
		return "", err
	}

	files, err := walkFiles(dir)
	if err != nil {
		return "", err
	}
	for _, rel := range files {
		path := filepath.Join(dir, rel)
		info, err := os.Stat(path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%o\x00%d\x00", filepath.ToSlash(rel), info.Mode().Perm(), info.Size())
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// walkFiles returns the regular files below dir as sorted relative paths.
func walkFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	sort.Strings(files)
	return files, err
}

// Archive returns the module as a zstd-compressed tar archive.
func (inv *Inventory) Archive(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	dir := filepath.Join(inv.dir, name)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	files, err := walkFiles(dir)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := addFile(tw, dir, rel); err != nil {
			return nil, fmt.Errorf("failed to archive %s: %w", rel, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	enc, _ := codecs()
	return enc.EncodeAll(buf.Bytes(), nil), nil
}

func addFile(tw *tar.Writer, dir, rel string) error {
	path := filepath.Join(dir, rel)
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     filepath.ToSlash(rel),
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// Install unpacks archive as module name, replacing any installed version.
// The new version becomes visible atomically.
func (inv *Inventory) Install(ctx context.Context, name string, archive []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	_, dec := codecs()
	raw, err := dec.DecodeAll(archive, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeArchive, err)
	}
	if len(raw) > MaxArchiveSize {
		return fmt.Errorf("%w: %d bytes", ErrUnsafeArchive, len(raw))
	}

	staging, err := os.MkdirTemp(inv.dir, "."+name+".")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extract(ctx, bytes.NewReader(raw), staging); err != nil {
		return err
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		return err
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	target := filepath.Join(inv.dir, name)
	old := target + ".old"
	_ = os.RemoveAll(old)
	if err := os.Rename(target, old); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to move old module aside: %w", err)
	}
	if err := os.Rename(staging, target); err != nil {
		_ = os.Rename(old, target)
		return fmt.Errorf("failed to install module: %w", err)
	}
	_ = os.RemoveAll(old)

	inv.logger.Info().Str("module", name).Int("bytes", len(raw)).Msg("Module installed")
	return nil
}

// extract writes the regular files and directories of a tar stream below dst.
func extract(ctx context.Context, r io.Reader, dst string) error {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsafeArchive, err)
		}

		rel := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(rel) {
			return fmt.Errorf("%w: entry %q escapes the module", ErrUnsafeArchive, hdr.Name)
		}
		path := filepath.Join(dst, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fs.FileMode(hdr.Mode).Perm()|0o400)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, io.LimitReader(tr, MaxArchiveSize))
			closeErr := f.Close()
			if err != nil {
				return err
			}
			if closeErr != nil {
				return closeErr
			}
		default:
			return fmt.Errorf("%w: entry %q has unsupported type %c", ErrUnsafeArchive, hdr.Name, hdr.Typeflag)
		}
	}
}
