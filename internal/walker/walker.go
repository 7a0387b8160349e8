// Package walker implements ignore-aware file discovery for the discover()
// operation (spec §6), grounded on original_source/forge_infra/src/walker.rs
// and the teacher's filesearch.GitignoreMatcher. The fs_search built-in tool
// does not use it; it walks with filesearch.Searcher directly.
package walker

import (
	"os"
	"path/filepath"

	"github.com/forge-run/forge/internal/filesearch"
)

// File describes one discovered filesystem entry.
type File struct {
	Path  string // absolute
	IsDir bool
}

// alwaysSkip names directories never descended into regardless of
// .gitignore content, matching the teacher's shell.go skipDirs table.
var alwaysSkip = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true, ".venv": true,
	"vendor": true, ".cache": true, ".next": true, "dist": true, "build": true,
}

// Walk enumerates every file and directory under root, honoring
// .gitignore patterns found at root and skipping alwaysSkip directories.
// fn is called for each entry; returning an error from fn stops the walk.
func Walk(root string, fn func(File) error) error {
	matcher, err := filesearch.NewGitignoreMatcher(filepath.Join(root, ".gitignore"))
	if err != nil {
		return err
	}

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		if info.IsDir() {
			if alwaysSkip[info.Name()] {
				return filepath.SkipDir
			}
			if matcher.Matches(rel, true) {
				return filepath.SkipDir
			}
			return fn(File{Path: path, IsDir: true})
		}
		if matcher.Matches(rel, false) {
			return nil
		}
		return fn(File{Path: path, IsDir: false})
	})
}

// Discover returns every non-directory file under root, implementing the
// discover() operation from spec §6.
func Discover(root string) ([]File, error) {
	var files []File
	err := Walk(root, func(f File) error {
		if !f.IsDir {
			files = append(files, f)
		}
		return nil
	})
	return files, err
}
