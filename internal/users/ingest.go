package users

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode"

	_ "golang.org/x/image/bmp"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// enrollmentExtensions are the image types picked up from the faces directory.
var enrollmentExtensions = []string{".png", ".jpg", ".jpeg", ".bmp"}

// IsEnrollmentImage reports whether path looks like an enrollment image.
func IsEnrollmentImage(path string) bool {
	return slices.Contains(enrollmentExtensions, strings.ToLower(filepath.Ext(path)))
}

// IngestOptions configures a local ingestion run.
type IngestOptions struct {
	Dir       string // directory scanned for new enrollment images
	CacheFile string // local cache file, loaded first and rewritten last

	OnScan func(total int)             // called once with the number of images found
	OnFile func(path string, err error) // called after each image
}

// IngestResult summarises a local ingestion run.
type IngestResult struct {
	Cached int `json:"cached"` // users loaded from the cache file
	Found  int `json:"found"`  // enrollment images found
	Added  int `json:"added"`  // users added from images
	Failed int `json:"failed"` // images that could not be added
}

// DisplayName derives a user name from an enrollment image file name: the base
// name without extension, NFC-normalised, without control characters.
func DisplayName(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	t := transform.Chain(norm.NFC, runes.Remove(runes.In(unicode.Cc)))
	result, _, err := transform.String(t, name)
	if err != nil {
		result = name
	}
	return strings.TrimSpace(result)
}

// IngestLocal loads the local cache, enrolls every new image in opts.Dir and
// writes the cache back. Processed images are deleted, so running it again only
// picks up new files. A single failing image is logged and skipped.
func (d *Directory) IngestLocal(ctx context.Context, opts IngestOptions) (IngestResult, error) {
	d.ingestMu.Lock()
	defer d.ingestMu.Unlock()

	var result IngestResult

	cached, err := d.LoadCache(ctx, opts.CacheFile)
	if err != nil {
		// Rewriting a cache we could not read would lose its users
		return result, err
	}
	result.Cached = cached

	if d.encoder == nil {
		d.logger.Warn("New local users won't be added because no face encoder is configured")
	} else {
		if err := d.scanEnrollment(ctx, opts, &result); err != nil {
			d.logger.Error("Failed to scan enrollment directory", "dir", opts.Dir, "error", err)
		}
	}

	if err := d.SaveCache(opts.CacheFile); err != nil {
		return result, err
	}
	return result, nil
}

func (d *Directory) scanEnrollment(ctx context.Context, opts IngestOptions, result *IngestResult) error {
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return fmt.Errorf("reading enrollment directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && IsEnrollmentImage(e.Name()) {
			files = append(files, filepath.Join(opts.Dir, e.Name()))
		}
	}
	result.Found = len(files)
	if opts.OnScan != nil {
		opts.OnScan(len(files))
	}
	if len(files) > 0 {
		d.logger.Info("Found new user images to load", "count", len(files), "dir", opts.Dir)
	}

	for _, path := range files {
		if ctx.Err() != nil {
			d.logger.Warn("Enrollment scan interrupted", "remaining", len(files)-result.Added-result.Failed)
			break
		}
		err := d.enrollImage(ctx, path)
		if err != nil {
			result.Failed++
			d.logger.Error("Failed to add user from image", "path", path, "error", err)
		} else {
			result.Added++
		}
		if opts.OnFile != nil {
			opts.OnFile(path, err)
		}
	}

	d.logger.Info("Local enrollment finished", "added", result.Added, "failed", result.Failed)
	return nil
}

func (d *Directory) enrollImage(ctx context.Context, path string) error {
	name := DisplayName(path)
	if name == "" {
		return errors.New("file name gives an empty user name")
	}

	data, err := os.ReadFile(path) //nolint:gosec // files come from the configured faces directory
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("unsupported or corrupt image: %w", err)
	}

	id := d.nextLocalID()
	if _, err := d.AddUser(ctx, UserInput{ID: id, Name: name, IsLocal: true, Image: data}); err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		// The user is enrolled, but the next scan would enroll the file again
		d.logger.Error("Failed to remove processed image", "path", path, "user_id", id, "error", err)
	}
	return nil
}
