// Command vebtool is the offline CLI for extension archives.
// It packs, inspects, hashes, and expands .veb files and lists the
// extensions installed in a system-table store.
package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/ulikunitz/xz"

	"github.com/eatonphil/villagesql-server/core/config"
	"github.com/eatonphil/villagesql-server/core/systable"
	"github.com/eatonphil/villagesql-server/core/veb"
)

const version = "1.0.0"

// CLI defines the command-line interface for vebtool.
var CLI struct {
	VebDir string `name:"veb-dir" short:"d" help:"VEB root directory" type:"path"`

	Pack     PackCmd     `cmd:"" help:"Pack a directory into a .veb archive"`
	Manifest ManifestCmd `cmd:"" help:"Print the parsed manifest of a .veb archive"`
	Hash     HashCmd     `cmd:"" help:"Print SHA-256 and BLAKE3 hashes of a .veb archive"`
	Expand   ExpandCmd   `cmd:"" help:"Expand a .veb archive into its content-addressed directory"`
	List     ListCmd     `cmd:"" help:"List installed extensions from a system-table store"`
	Version  VersionCmd  `cmd:"" help:"Print version information"`
}

func vebDir() string {
	if CLI.VebDir != "" {
		return CLI.VebDir
	}
	return config.Default().VebDir
}

// PackCmd builds an archive from a directory holding manifest.json and
// lib/<name>.so.
type PackCmd struct {
	Name     string `arg:"" help:"Extension name"`
	Dir      string `arg:"" help:"Directory with manifest.json and lib/<name>.so" type:"existingdir"`
	Compress string `help:"Compression: none, gzip, or xz" enum:"none,gzip,xz" default:"none"`
}

func (c *PackCmd) Run() error {
	if err := veb.ValidateExtensionName(c.Name); err != nil {
		return err
	}
	paths := veb.NewPaths(vebDir())
	if err := os.MkdirAll(paths.Root(), 0o755); err != nil {
		return err
	}
	out, err := os.Create(paths.ArchivePath(c.Name))
	if err != nil {
		return err
	}
	defer out.Close()

	var w io.WriteCloser = nopWriteCloser{out}
	switch c.Compress {
	case "gzip":
		w = gzip.NewWriter(out)
	case "xz":
		xw, err := xz.NewWriter(out)
		if err != nil {
			return err
		}
		w = xw
	}

	tw := tar.NewWriter(w)
	err = filepath.Walk(c.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(c.Dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name: filepath.ToSlash(rel),
			Mode: int64(info.Mode().Perm()),
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	// Validate what was just written.
	if _, err := paths.LoadManifest(c.Name); err != nil {
		return fmt.Errorf("packed archive fails validation: %w", err)
	}
	fmt.Printf("packed %s\n", paths.ArchivePath(c.Name))
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// ManifestCmd prints the parsed manifest.
type ManifestCmd struct {
	Name string `arg:"" help:"Extension name"`
}

func (c *ManifestCmd) Run() error {
	paths := veb.NewPaths(vebDir())
	m, err := paths.LoadManifest(c.Name)
	if err != nil {
		return err
	}
	fmt.Printf("version: %s\n", m.Version)
	if m.License != "" {
		fmt.Printf("license: %s\n", m.License)
	}
	if m.Description != "" {
		fmt.Printf("description: %s\n", m.Description)
	}
	return nil
}

// HashCmd prints the archive hashes.
type HashCmd struct {
	Name string `arg:"" help:"Extension name"`
}

func (c *HashCmd) Run() error {
	paths := veb.NewPaths(vebDir())
	archive := paths.ArchivePath(c.Name)
	sha, err := veb.FileSHA256(archive)
	if err != nil {
		return err
	}
	b3, err := veb.FileBLAKE3(archive)
	if err != nil {
		return err
	}
	fmt.Printf("sha256: %s\nblake3: %s\n", sha, b3)
	return nil
}

// ExpandCmd expands an archive into its content-addressed directory.
type ExpandCmd struct {
	Name string `arg:"" help:"Extension name"`
}

func (c *ExpandCmd) Run() error {
	paths := veb.NewPaths(vebDir())
	dir, sha, err := paths.Expand(c.Name)
	if err != nil {
		return err
	}
	fmt.Printf("expanded to %s (sha256 %s)\n", dir, sha)
	return nil
}

// ListCmd lists installed extensions from a backing store.
type ListCmd struct {
	DSN string `help:"System-table store DSN" default:""`
}

func (c *ListCmd) Run() error {
	dsn := c.DSN
	if dsn == "" {
		dsn = config.Default().SystemTableDSN
	}
	store, err := systable.Open(dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := systable.NewExtensionIO(store).ReadAll(context.Background())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no extensions installed")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\t%s\n", e.ExtensionName(), e.ExtensionVersion, e.VebSHA256)
	}
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("vebtool %s (schema %s, sqlite driver %s)\n",
		version, config.SchemaVersion, strings.ToLower(systable.DriverType()))
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("vebtool"),
		kong.Description("Offline tooling for VillageSQL extension archives."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "vebtool: %v\n", err)
		os.Exit(1)
	}
}
