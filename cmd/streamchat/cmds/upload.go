package cmds

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/streamchat/pkg/api"
	"github.com/go-go-golems/streamchat/pkg/config"
	"github.com/go-go-golems/streamchat/pkg/filefilter"
)

type UploadCommand struct {
	*cmds.CommandDescription
	base config.Config
}

var _ cmds.BareCommand = (*UploadCommand)(nil)

type UploadSettings struct {
	Paths  []string `glazed:"paths"`
	DryRun bool     `glazed:"dry-run"`
}

func NewUploadCommand(base config.Config) (*UploadCommand, error) {
	clientSection, err := NewClientSection(base)
	if err != nil {
		return nil, err
	}
	filterSection, err := filefilter.NewSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"upload",
		cmds.WithShort("Upload documents for the assistant to index"),
		cmds.WithLong("Upload files, or every supported file below the given directories."),
		cmds.WithFlags(
			fields.New("dry-run", fields.TypeBool,
				fields.WithHelp("List the files that would be uploaded"),
				fields.WithDefault(false)),
		),
		cmds.WithArguments(
			fields.New("paths", fields.TypeStringList,
				fields.WithHelp("Files or directories to upload"),
				fields.WithRequired(true)),
		),
		cmds.WithSections(clientSection, filterSection),
	)
	return &UploadCommand{CommandDescription: desc, base: base}, nil
}

func (c *UploadCommand) Run(ctx context.Context, parsed *values.Values) error {
	s := &UploadSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "decode upload settings")
	}
	ff, err := filefilter.FromValues(parsed)
	if err != nil {
		return err
	}
	files, err := ff.Collect(s.Paths)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no supported files found")
	}
	if s.DryRun {
		for _, f := range files {
			fmt.Println(f)
		}
		return nil
	}

	client, _, err := apiClient(c.base, parsed)
	if err != nil {
		return err
	}
	failed := 0
	for _, path := range files {
		res, err := uploadFile(ctx, client, path)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "Upload failed for %s: %v\n", path, err)
			continue
		}
		fmt.Printf("Uploaded %s: %d chunks indexed.\n", res.File, res.ChunksCount)
	}
	if failed > 0 {
		return errors.Errorf("%d of %d uploads failed", failed, len(files))
	}
	return nil
}

func uploadFile(ctx context.Context, client *api.Client, path string) (*api.UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open upload")
	}
	defer func() { _ = f.Close() }()
	return client.Upload(ctx, filepath.Base(path), f)
}

type ClearCacheCommand struct {
	*cmds.CommandDescription
	base config.Config
}

var _ cmds.BareCommand = (*ClearCacheCommand)(nil)

func NewClearCacheCommand(base config.Config) (*ClearCacheCommand, error) {
	clientSection, err := NewClientSection(base)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"clear-cache",
		cmds.WithShort("Clear the server's conversation cache"),
		cmds.WithSections(clientSection),
	)
	return &ClearCacheCommand{CommandDescription: desc, base: base}, nil
}

func (c *ClearCacheCommand) Run(ctx context.Context, parsed *values.Values) error {
	client, _, err := apiClient(c.base, parsed)
	if err != nil {
		return err
	}
	if err := client.ClearCache(ctx); err != nil {
		return err
	}
	fmt.Println("Cache cleared.")
	return nil
}
