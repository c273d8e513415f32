package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/marblebag/nexusvault"
)

// listing is one row of ls and stat output.
type listing struct {
	Path        string `json:"path"`
	Dir         bool   `json:"dir"`
	Size        int64  `json:"size"`
	Stored      uint64 `json:"stored,omitempty"`
	Compression string `json:"compression,omitempty"`
	Hash        string `json:"hash,omitempty"`
	ModTime     string `json:"mod_time,omitempty"`
}

func newListing(name string, info fs.FileInfo) listing {
	l := listing{Path: name, Dir: info.IsDir(), Size: info.Size()}
	if fi, ok := info.(*nexusvault.FileInfo); ok {
		l.Stored = fi.StoredSize()
		l.Compression = fi.Compression().String()
		l.Hash = fi.Hash().String()
	}
	if mt := info.ModTime(); !mt.IsZero() {
		l.ModTime = mt.UTC().Format(time.RFC3339)
	}
	return l
}

func writeJSON(cmd *cli.Command, v any) error {
	enc := json.NewEncoder(cmd.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeListings(cmd *cli.Command, rows []listing) error {
	tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
	for _, r := range rows {
		kind, size, comp := "f", fmt.Sprint(r.Size), r.Compression
		if r.Dir {
			kind, size, comp = "d", "-", "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", kind, size, comp, r.Path)
	}
	return tw.Flush()
}

func lsCmd(g *globals) *cli.Command {
	var asJSON, recursive bool
	return &cli.Command{
		Name:      "ls",
		Usage:     "List directory contents",
		ArgsUsage: "[path]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &asJSON},
			&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}, Usage: "list subdirectories", Destination: &recursive},
		},
		Action: withVault(g, false, func(_ context.Context, cmd *cli.Command, v *nexusvault.Vault) error {
			root := nexusvault.NormalizePath(cmd.Args().First())
			rows, err := list(v, root, recursive)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, rows)
			}
			return writeListings(cmd, rows)
		}),
	}
}

func list(v *nexusvault.Vault, root string, recursive bool) ([]listing, error) {
	info, err := v.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []listing{newListing(root, info)}, nil
	}
	var rows []listing
	if !recursive {
		entries, err := v.ReadDir(root)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				return nil, err
			}
			rows = append(rows, newListing(path.Join(root, e.Name()), info))
		}
		return rows, nil
	}
	err = fs.WalkDir(v, root, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if name == root {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rows = append(rows, newListing(name, info))
		return nil
	})
	return rows, err
}

func catCmd(g *globals) *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "Write file contents to stdout",
		ArgsUsage: "path...",
		Action: withVault(g, false, func(_ context.Context, cmd *cli.Command, v *nexusvault.Vault) error {
			if cmd.Args().Len() == 0 {
				return errors.New("cat: no paths given")
			}
			for _, name := range cmd.Args().Slice() {
				data, err := v.ReadFile(nexusvault.NormalizePath(name))
				if err != nil {
					return err
				}
				if _, err := cmd.Root().Writer.Write(data); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

func statCmd(g *globals) *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:      "stat",
		Usage:     "Show file or directory details",
		ArgsUsage: "path",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &asJSON},
		},
		Action: withVault(g, false, func(_ context.Context, cmd *cli.Command, v *nexusvault.Vault) error {
			name := nexusvault.NormalizePath(cmd.Args().First())
			info, err := v.Stat(name)
			if err != nil {
				return err
			}
			row := newListing(name, info)
			if asJSON {
				return writeJSON(cmd, row)
			}
			w := cmd.Root().Writer
			fmt.Fprintf(w, "path:        %s\n", row.Path)
			if row.Dir {
				fmt.Fprintln(w, "type:        directory")
				return nil
			}
			fmt.Fprintf(w, "size:        %d\n", row.Size)
			fmt.Fprintf(w, "stored:      %d\n", row.Stored)
			fmt.Fprintf(w, "compression: %s\n", row.Compression)
			fmt.Fprintf(w, "hash:        %s\n", row.Hash)
			fmt.Fprintf(w, "modified:    %s\n", row.ModTime)
			return nil
		}),
	}
}

func extractCmd(g *globals) *cli.Command {
	var (
		out           string
		overwrite     bool
		preserveTimes bool
		workers       int
	)
	return &cli.Command{
		Name:      "extract",
		Usage:     "Extract files to a local directory",
		ArgsUsage: "[prefix]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "destination directory", Value: ".", Destination: &out},
			&cli.BoolFlag{Name: "overwrite", Usage: "replace existing files", Destination: &overwrite},
			&cli.BoolFlag{Name: "preserve-times", Usage: "set file times from the vault", Destination: &preserveTimes},
			&cli.IntFlag{Name: "workers", Aliases: []string{"j"}, Usage: "files written concurrently", Destination: &workers},
		},
		Action: withVault(g, false, func(ctx context.Context, cmd *cli.Command, v *nexusvault.Vault) error {
			if workers == 0 {
				workers = g.cfg.Workers
			}
			n, err := v.Extract(ctx, out, cmd.Args().First(),
				nexusvault.ExtractWithOverwrite(overwrite),
				nexusvault.ExtractWithPreserveTimes(preserveTimes),
				nexusvault.ExtractWithWorkers(workers),
			)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "extracted %d files\n", n)
			return nil
		}),
	}
}

func addCmd(g *globals) *cli.Command {
	var prefix string
	return &cli.Command{
		Name:      "add",
		Usage:     "Add local files or directories, creating the vault if needed",
		ArgsUsage: "path...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "prefix", Usage: "vault directory to add under", Destination: &prefix},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return errors.New("add: no paths given")
			}
			v, err := g.open(true, true)
			if err != nil {
				return err
			}
			n := 0
			for _, src := range cmd.Args().Slice() {
				added, err := addPath(v, src, prefix)
				n += added
				if err != nil {
					v.Close()
					return err
				}
			}
			if err := v.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "added %d files\n", n)
			return nil
		},
	}
}

// addPath writes the file or tree at src into v. Directory trees keep their
// own name as the top element.
func addPath(v *nexusvault.Vault, src, prefix string) (int, error) {
	base := filepath.Dir(filepath.Clean(src))
	n := 0
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p) //nolint:gosec // user-selected input
		if err != nil {
			return err
		}
		name := path.Join(prefix, filepath.ToSlash(rel))
		if err := v.WriteFile(name, data, info.ModTime()); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func rmCmd(g *globals) *cli.Command {
	var collect bool
	return &cli.Command{
		Name:      "rm",
		Usage:     "Remove files or directory trees",
		ArgsUsage: "path...",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "gc", Usage: "collect unreferenced blobs afterwards", Destination: &collect},
		},
		Action: withVault(g, true, func(_ context.Context, cmd *cli.Command, v *nexusvault.Vault) error {
			if cmd.Args().Len() == 0 {
				return errors.New("rm: no paths given")
			}
			for _, name := range cmd.Args().Slice() {
				if err := v.Remove(name); err != nil {
					return err
				}
			}
			if !collect {
				return nil
			}
			n, err := v.Collect()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "removed %d blobs\n", n)
			return nil
		}),
	}
}

func gcCmd(g *globals) *cli.Command {
	return &cli.Command{
		Name:  "gc",
		Usage: "Delete archive blobs no file references",
		Action: withVault(g, true, func(_ context.Context, cmd *cli.Command, v *nexusvault.Vault) error {
			n, err := v.Collect()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "removed %d blobs\n", n)
			return nil
		}),
	}
}

func verifyCmd(g *globals) *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Check block layouts and every file's content",
		Action: withVault(g, false, func(_ context.Context, cmd *cli.Command, v *nexusvault.Vault) error {
			if err := v.Verify(); err != nil {
				return fmt.Errorf("verify failed:\n%w", err)
			}
			fmt.Fprintln(cmd.Root().Writer, "ok")
			return nil
		}),
	}
}

func infoCmd(g *globals) *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "info",
		Usage: "Summarise the vault",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &asJSON},
		},
		Action: withVault(g, false, func(_ context.Context, cmd *cli.Command, v *nexusvault.Vault) error {
			st, err := v.Stats()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, st)
			}
			w := cmd.Root().Writer
			fmt.Fprintf(w, "build:    %d\n", st.BuildNumber)
			fmt.Fprintf(w, "files:    %d\n", st.Files)
			fmt.Fprintf(w, "dirs:     %d\n", st.Dirs)
			fmt.Fprintf(w, "blobs:    %d\n", st.Blobs)
			fmt.Fprintf(w, "index:    %d bytes, %d packs, %d free bytes\n", st.Index.FileSize, st.Index.Packs, st.Index.FreeBytes)
			fmt.Fprintf(w, "archive:  %d bytes, %d packs, %d free bytes\n", st.Archive.FileSize, st.Archive.Packs, st.Archive.FreeBytes)
			return nil
		}),
	}
}
