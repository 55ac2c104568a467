package filefilter

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/denormal/go-gitignore"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
)

const FileFilterSlug = "file-filter"

type Settings struct {
	MaxFileSize           int      `glazed:"max-file-size"`
	Include               []string `glazed:"include"`
	Exclude               []string `glazed:"exclude"`
	ExcludeDirs           []string `glazed:"exclude-dirs"`
	ExcludeMatchFilename  []string `glazed:"exclude-match-filename"`
	DisableGitIgnore      bool     `glazed:"disable-gitignore"`
	DisableDefaultFilters bool     `glazed:"disable-default-filters"`
	FilterBinary          bool     `glazed:"filter-binary"`
}

func NewSection() (schema.Section, error) {
	return schema.NewSection(
		FileFilterSlug,
		"Upload file selection",
		schema.WithFields(
			fields.New(
				"max-file-size",
				fields.TypeInteger,
				fields.WithHelp("Maximum size of individual files in bytes"),
				fields.WithDefault(10*1024*1024),
			),
			fields.New(
				"include",
				fields.TypeStringList,
				fields.WithHelp("Extensions to upload (default: every format the server indexes)"),
			),
			fields.New(
				"exclude",
				fields.TypeStringList,
				fields.WithHelp("Extensions to skip"),
			),
			fields.New(
				"exclude-dirs",
				fields.TypeStringList,
				fields.WithHelp("Directory names to skip while walking"),
			),
			fields.New(
				"exclude-match-filename",
				fields.TypeStringList,
				fields.WithHelp("Regular expressions for file names to skip"),
			),
			fields.New(
				"disable-gitignore",
				fields.TypeBool,
				fields.WithHelp("Do not honor .gitignore in the current directory"),
				fields.WithDefault(false),
			),
			fields.New(
				"disable-default-filters",
				fields.TypeBool,
				fields.WithHelp("Do not skip hidden files and well-known build directories"),
				fields.WithDefault(false),
			),
			fields.New(
				"filter-binary",
				fields.TypeBool,
				fields.WithHelp("Skip text-format files that contain binary data"),
				fields.WithDefault(true),
			),
		),
	)
}

func FromValues(parsed *values.Values) (*FileFilter, error) {
	s := &Settings{}
	if err := parsed.DecodeSectionInto(FileFilterSlug, s); err != nil {
		return nil, errors.Wrap(err, "decode file filter settings")
	}
	return FromSettings(s, ".")
}

// FromSettings builds a filter, loading dir/.gitignore when present and not
// disabled.
func FromSettings(s *Settings, dir string) (*FileFilter, error) {
	patterns, err := compileRegexps(s.ExcludeMatchFilename)
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithMaxFileSize(int64(s.MaxFileSize)),
		WithIncludeExts(s.Include),
		WithExcludeExts(s.Exclude),
		WithExcludeDirs(s.ExcludeDirs),
		WithExcludeMatchFilenames(patterns),
		WithDisableDefaultFilters(s.DisableDefaultFilters),
		WithFilterBinaryFiles(s.FilterBinary),
	}
	if !s.DisableGitIgnore {
		path := filepath.Join(dir, ".gitignore")
		if _, err := os.Stat(path); err == nil {
			g, err := gitignore.NewFromFile(path)
			if err != nil {
				return nil, errors.Wrap(err, "load .gitignore")
			}
			opts = append(opts, WithGitIgnore(g))
		}
	}
	return New(opts...), nil
}

func compileRegexps(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid pattern %q", p)
		}
		out = append(out, re)
	}
	return out, nil
}
