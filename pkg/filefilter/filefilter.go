// Package filefilter selects which local files an upload sends to the
// document index. Directories are walked; files are kept when their extension
// is one the server can extract text from and no exclusion rule matches.
package filefilter

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/denormal/go-gitignore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SupportedExts are the extensions the indexing server extracts text from.
var SupportedExts = []string{
	".pdf", ".txt", ".md", ".csv", ".json", ".py", ".js", ".html", ".css", ".doc", ".docx",
}

var (
	DefaultExcludedDirs = []string{
		".git", ".svn", "node_modules", "vendor", ".history", ".idea", ".vscode", "build", "dist",
	}

	DefaultExcludedMatchFilenames = []*regexp.Regexp{
		regexp.MustCompile(`.*-lock\.json$`),
		regexp.MustCompile(`^package-lock\.json$`),
		regexp.MustCompile(`^\.`),
	}
)

// binarySniffLen is how many leading bytes are checked for NUL on text formats.
const binarySniffLen = 512

// textFormats are checked for binary content; pdf and doc never are.
var textFormats = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".json": true,
	".py": true, ".js": true, ".html": true, ".css": true,
}

type FileFilter struct {
	MaxFileSize           int64
	IncludeExts           []string
	ExcludeExts           []string
	ExcludeDirs           []string
	ExcludeMatchFilenames []*regexp.Regexp
	GitIgnore             gitignore.GitIgnore
	DisableDefaultFilters bool
	FilterBinaryFiles     bool
}

type Option func(*FileFilter)

func New(options ...Option) *FileFilter {
	ff := &FileFilter{
		MaxFileSize:       10 * 1024 * 1024,
		IncludeExts:       SupportedExts,
		FilterBinaryFiles: true,
	}
	for _, option := range options {
		option(ff)
	}
	return ff
}

func WithMaxFileSize(size int64) Option {
	return func(ff *FileFilter) {
		ff.MaxFileSize = size
	}
}

func WithIncludeExts(exts []string) Option {
	return func(ff *FileFilter) {
		if len(exts) > 0 {
			ff.IncludeExts = normalizeExts(exts)
		}
	}
}

func WithExcludeExts(exts []string) Option {
	return func(ff *FileFilter) {
		ff.ExcludeExts = normalizeExts(exts)
	}
}

func WithExcludeDirs(dirs []string) Option {
	return func(ff *FileFilter) {
		ff.ExcludeDirs = dirs
	}
}

func WithExcludeMatchFilenames(patterns []*regexp.Regexp) Option {
	return func(ff *FileFilter) {
		ff.ExcludeMatchFilenames = patterns
	}
}

func WithGitIgnore(g gitignore.GitIgnore) Option {
	return func(ff *FileFilter) {
		ff.GitIgnore = g
	}
}

func WithDisableDefaultFilters(disable bool) Option {
	return func(ff *FileFilter) {
		ff.DisableDefaultFilters = disable
	}
}

func WithFilterBinaryFiles(filter bool) Option {
	return func(ff *FileFilter) {
		ff.FilterBinaryFiles = filter
	}
}

// Collect expands roots into the sorted list of files to upload. A root that
// names a file is kept if it passes the extension and size checks, even when
// directory or gitignore rules would have skipped it during a walk.
func (ff *FileFilter) Collect(roots []string) ([]string, error) {
	if len(roots) == 0 {
		return nil, errors.New("no paths to upload")
	}
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return nil, errors.Wrapf(err, "stat %s", root)
		}
		if !info.IsDir() {
			if ok, reason := ff.acceptFile(root, info); !ok {
				return nil, errors.Errorf("%s: %s", root, reason)
			}
			add(root)
			continue
		}

		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != root && ff.excludedDir(p) {
					log.Debug().Str("component", "filefilter").Str("dir", p).Msg("skipping directory")
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if ok, reason := ff.Accept(p, info); !ok {
				log.Debug().Str("component", "filefilter").Str("path", p).Str("reason", reason).Msg("skipping file")
				return nil
			}
			add(p)
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "walk %s", root)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Accept reports whether a file found during a walk should be uploaded, and
// if not, why.
func (ff *FileFilter) Accept(path string, info fs.FileInfo) (bool, string) {
	base := filepath.Base(path)
	if !ff.DisableDefaultFilters {
		for _, re := range DefaultExcludedMatchFilenames {
			if re.MatchString(base) {
				return false, "default excluded name"
			}
		}
	}
	for _, re := range ff.ExcludeMatchFilenames {
		if re.MatchString(base) {
			return false, "excluded name"
		}
	}
	if ff.ignored(path, false) {
		return false, "gitignored"
	}
	return ff.acceptFile(path, info)
}

func (ff *FileFilter) acceptFile(path string, info fs.FileInfo) (bool, string) {
	ext := strings.ToLower(filepath.Ext(path))
	if !contains(ff.IncludeExts, ext) {
		return false, "unsupported extension " + ext
	}
	if contains(ff.ExcludeExts, ext) {
		return false, "excluded extension " + ext
	}
	if ff.MaxFileSize > 0 && info.Size() > ff.MaxFileSize {
		return false, "larger than max file size"
	}
	if ff.FilterBinaryFiles && textFormats[ext] {
		binary, err := isBinaryFile(path)
		if err == nil && binary {
			return false, "binary content"
		}
	}
	return true, ""
}

func (ff *FileFilter) excludedDir(dir string) bool {
	name := filepath.Base(dir)
	if !ff.DisableDefaultFilters && contains(DefaultExcludedDirs, name) {
		return true
	}
	if contains(ff.ExcludeDirs, name) {
		return true
	}
	return ff.ignored(dir, true)
}

func (ff *FileFilter) ignored(path string, isDir bool) bool {
	if ff.GitIgnore == nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	m := ff.GitIgnore.Absolute(abs, isDir)
	return m != nil && m.Ignore()
}

func isBinaryFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, binarySniffLen)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return false, err
	}
	return bytes.IndexByte(buf[:n], 0) != -1, nil
}

func normalizeExts(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
