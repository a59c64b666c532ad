// Package coverage turns module-relative coverage targets into breakpoints
// on the live guest address space.
package coverage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bobuhiro11/snapfuzz/backend"
	"github.com/bobuhiro11/snapfuzz/log"
	"github.com/bobuhiro11/snapfuzz/symbols"
	"golang.org/x/sync/errgroup"
)

// Suffix is the extension ParseDir picks files by.
const Suffix = ".cov"

// NoBreakpointsWarning is reported when a parse resolves nothing.
const NoBreakpointsWarning = "no code-coverage breakpoints were found: " +
	"there are no .cov files, or they are not formatted properly"

var (
	// ErrModuleNotFound is a coverage file naming a module the symbol
	// store has no base for.
	ErrModuleNotFound = errors.New("module base not found")

	// ErrMalformed is a coverage file that is not valid JSON.
	ErrMalformed = errors.New("malformed coverage file")
)

// Translator is the part of a backend the resolver needs.
type Translator interface {
	VirtTranslate(gva backend.Gva, gpa *backend.Gpa, v backend.MemoryValidate) bool
}

// File is one decoded coverage file: offsets relative to module Name.
type File struct {
	Name      string   `json:"name"`
	Addresses []uint64 `json:"addresses"`

	// Path is where the file was read from, for messages.
	Path string `json:"-"`
}

// Breakpoints maps each coverage target to the physical address its code
// lives at.
type Breakpoints map[backend.Gva]backend.Gpa

// Addresses returns the targets in ascending order.
func (b Breakpoints) Addresses() []backend.Gva {
	out := make([]backend.Gva, 0, len(b))
	for gva := range b {
		out = append(out, gva)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

type Result struct {
	Breakpoints Breakpoints
	// Skipped are targets whose translation failed.
	Skipped  []backend.Gva
	Warnings []string
}

// readWorkers bounds how many coverage files are decoded at once.
const readWorkers = 8

// ReadDir decodes every coverage file in dir, in name order.
func ReadDir(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Suffix) {
			continue
		}

		paths = append(paths, filepath.Join(dir, e.Name()))
	}

	files := make([]File, len(paths))

	var g errgroup.Group

	g.SetLimit(readWorkers)

	for i, path := range paths {
		i, path := i, path

		g.Go(func() error {
			f, err := ReadFile(path)
			if err != nil {
				return err
			}

			files[i] = f

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return files, nil
}

// ReadFile decodes one coverage file.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}

	f := File{Path: path}
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("%s: %w: %w", path, ErrMalformed, err)
	}

	return f, nil
}

// ParseDir resolves the coverage files of dir against the symbol store and
// the guest page tables.
func ParseDir(dir string, syms symbols.Resolver, t Translator) (*Result, error) {
	log.Debug(log.Coverage, "parsing coverage files", "dir", dir)

	files, err := ReadDir(dir)
	if err != nil {
		return nil, err
	}

	return Parse(files, syms, t)
}

// Parse resolves already decoded files. A module without a base fails the
// whole parse; a target that does not translate is skipped.
func Parse(files []File, syms symbols.Resolver, t Translator) (*Result, error) {
	sorted := append([]File(nil), files...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Path != sorted[j].Path {
			return sorted[i].Path < sorted[j].Path
		}

		return sorted[i].Name < sorted[j].Name
	})

	r := &Result{Breakpoints: make(Breakpoints)}

	for _, f := range sorted {
		base := syms.GetModuleBase(f.Name)
		if base == 0 {
			return nil, fmt.Errorf("%s: %q: %w", f.Path, f.Name, ErrModuleNotFound)
		}

		log.Debug(log.Coverage, "parsing coverage file", "path", f.Path, "module", f.Name, "targets", len(f.Addresses))

		for _, rva := range f.Addresses {
			gva := backend.Gva(base + rva)

			var gpa backend.Gpa
			if !t.VirtTranslate(gva, &gpa, backend.ValidateReadExecute) {
				log.Warn(log.Coverage, "failed to translate, skipping", "gva", gva)
				r.Skipped = append(r.Skipped, gva)

				continue
			}

			r.Breakpoints[gva] = gpa
		}
	}

	if len(r.Breakpoints) == 0 {
		log.Warn(log.Coverage, NoBreakpointsWarning)
		r.Warnings = append(r.Warnings, NoBreakpointsWarning)
	}

	return r, nil
}
