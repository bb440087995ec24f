// Package veb handles extension archives and the extension lifecycle.
//
// A VEB is a tar archive (optionally gzip- or xz-compressed) containing
// manifest.json and lib/<name>.so. Archives live under a configured root
// and expand into content-addressed directories keyed by the SHA-256 of
// the archive bytes, so re-expansion of the same archive is idempotent
// and interrupted expansions are garbage-collected at the next startup.
package veb

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/eatonphil/villagesql-server/core/errors"
	"github.com/eatonphil/villagesql-server/core/semver"
)

// ExpandedDirName is the directory under the VEB root holding
// content-addressed expansions.
const ExpandedDirName = "_expanded"

// integrityFileName records the secondary BLAKE3 hash of the archive next
// to its expansion.
const integrityFileName = ".blake3"

// Manifest is the parsed manifest.json of an extension archive.
type Manifest struct {
	// Version is the extension version, a strict semantic version.
	Version string `json:"version"`
	// License is an optional short license identifier.
	License string `json:"license,omitempty"`
	// Description is optional free text.
	Description string `json:"description,omitempty"`
}

// ParseManifest validates manifest bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.NewParse("JSON", "manifest.json", err.Error())
	}
	if m.Version == "" {
		return nil, errors.NewValidation("version", "is required")
	}
	if !semver.IsValid(m.Version) {
		return nil, errors.NewValidation("version", "is not a valid semantic version: "+m.Version)
	}
	return &m, nil
}

// Paths resolves locations under the VEB root directory.
type Paths struct {
	root string
}

// NewPaths returns path helpers rooted at dir.
func NewPaths(dir string) Paths { return Paths{root: dir} }

// Root returns the VEB root directory.
func (p Paths) Root() string { return p.root }

// ArchivePath returns the path of an extension's .veb file.
func (p Paths) ArchivePath(name string) string {
	return filepath.Join(p.root, name+".veb")
}

// ExpansionRoot returns the directory holding an extension's expansions.
func (p Paths) ExpansionRoot(name string) string {
	return filepath.Join(p.root, ExpandedDirName, name)
}

// ExpansionDir returns the content-addressed expansion directory.
func (p Paths) ExpansionDir(name, sha string) string {
	return filepath.Join(p.ExpansionRoot(name), sha)
}

// SharedObjectPath returns the expanded shared object path, following the
// convention _expanded/<name>/<sha>/lib/<name>.so.
func (p Paths) SharedObjectPath(name, sha string) string {
	return filepath.Join(p.ExpansionDir(name, sha), "lib", name+".so")
}

// gzip and xz magic bytes for transparent decompression.
var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// decompressReader wraps r with the decompressor its magic bytes call
// for, or returns it unchanged for a plain tar stream.
func decompressReader(r io.Reader) (io.Reader, error) {
	br := newPeekReader(r)
	head, err := br.Peek(len(xzMagic))
	if err != nil && err != io.EOF {
		return nil, err
	}
	switch {
	case len(head) >= len(gzipMagic) && bytes.Equal(head[:len(gzipMagic)], gzipMagic):
		return gzip.NewReader(br)
	case len(head) >= len(xzMagic) && bytes.Equal(head[:len(xzMagic)], xzMagic):
		return xz.NewReader(br)
	default:
		return br, nil
	}
}

// peekReader is a minimal buffered reader exposing Peek.
type peekReader struct {
	r   io.Reader
	buf []byte
}

func newPeekReader(r io.Reader) *peekReader { return &peekReader{r: r} }

func (p *peekReader) Peek(n int) ([]byte, error) {
	for len(p.buf) < n {
		chunk := make([]byte, n-len(p.buf))
		m, err := p.r.Read(chunk)
		p.buf = append(p.buf, chunk[:m]...)
		if err != nil {
			return p.buf, err
		}
	}
	return p.buf[:n], nil
}

func (p *peekReader) Read(out []byte) (int, error) {
	if len(p.buf) > 0 {
		n := copy(out, p.buf)
		p.buf = p.buf[n:]
		return n, nil
	}
	return p.r.Read(out)
}

// FileSHA256 hashes a file's bytes as a lowercase hex string.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.NewIO("open", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.NewIO("read", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileBLAKE3 hashes a file's bytes with BLAKE3 as a lowercase hex string.
func FileBLAKE3(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.NewIO("open", path, err)
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.NewIO("read", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LoadManifest reads manifest.json out of <name>.veb without expanding
// the archive.
func (p Paths) LoadManifest(name string) (*Manifest, error) {
	archive := p.ArchivePath(name)
	f, err := os.Open(archive)
	if err != nil {
		return nil, errors.NewIO("open", archive, err)
	}
	defer f.Close()

	dec, err := decompressReader(f)
	if err != nil {
		return nil, errors.NewIO("decompress", archive, err)
	}
	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.NewParse("tar", archive, err.Error())
		}
		if filepath.Clean(hdr.Name) == "manifest.json" {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, errors.NewIO("read", archive, err)
			}
			return ParseManifest(data)
		}
	}
	return nil, errors.NewNotFound("manifest.json", archive)
}

// validateEntryName rejects absolute paths and traversal in archive
// entries.
func validateEntryName(name string) error {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return errors.NewValidation("archive entry", "absolute path: "+name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return errors.NewValidation("archive entry", "path traversal: "+name)
	}
	return nil
}

// Expand extracts <name>.veb into its content-addressed directory,
// computing SHA-256 from the archive bytes and recording a BLAKE3 hash
// in the .blake3 file of a fresh expansion (it is not read back). An
// existing expansion for the same hash is reused without extracting.
// Returns the expansion path and the SHA-256 hex string.
func (p Paths) Expand(name string) (string, string, error) {
	archive := p.ArchivePath(name)
	sha, err := FileSHA256(archive)
	if err != nil {
		return "", "", err
	}

	dest := p.ExpansionDir(name, sha)
	if _, err := os.Stat(dest); err == nil {
		// Content addressing makes a second install of the same archive a
		// no-op.
		return dest, sha, nil
	}

	f, err := os.Open(archive)
	if err != nil {
		return "", "", errors.NewIO("open", archive, err)
	}
	defer f.Close()

	dec, err := decompressReader(f)
	if err != nil {
		return "", "", errors.NewIO("decompress", archive, err)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", "", errors.NewIO("create directory", dest, err)
	}

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", "", errors.NewParse("tar", archive, err.Error())
		}
		if err := validateEntryName(hdr.Name); err != nil {
			return "", "", err
		}
		target := filepath.Join(dest, filepath.Clean(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", "", errors.NewIO("create directory", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", "", errors.NewIO("create directory", filepath.Dir(target), err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return "", "", errors.NewIO("create", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return "", "", errors.NewIO("write", target, err)
			}
			if err := out.Close(); err != nil {
				return "", "", errors.NewIO("close", target, err)
			}
		default:
			// Links, devices, and the rest have no business in an
			// extension archive.
			return "", "", errors.NewValidation("archive entry",
				"unsupported entry type for "+hdr.Name)
		}
	}

	if b3, err := FileBLAKE3(archive); err == nil {
		_ = os.WriteFile(filepath.Join(dest, integrityFileName), []byte(b3+"\n"), 0o644)
	}

	return dest, sha, nil
}

// CleanupOrphanedExpansions removes every SHA-256 subdirectory of
// _expanded/<name>/ whose name is not the hash currently installed for
// that extension. Called after startup loading succeeds.
func (p Paths) CleanupOrphanedExpansions(installed map[string]string) error {
	expandedRoot := filepath.Join(p.root, ExpandedDirName)
	names, err := os.ReadDir(expandedRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewIO("read", expandedRoot, err)
	}
	for _, nameEntry := range names {
		if !nameEntry.IsDir() {
			continue
		}
		name := nameEntry.Name()
		keep := installed[name]
		hashDir := filepath.Join(expandedRoot, name)
		hashes, err := os.ReadDir(hashDir)
		if err != nil {
			continue
		}
		for _, hashEntry := range hashes {
			if !hashEntry.IsDir() || hashEntry.Name() == keep {
				continue
			}
			_ = os.RemoveAll(filepath.Join(hashDir, hashEntry.Name()))
		}
	}
	return nil
}
