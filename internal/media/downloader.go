// Package media fetches chat attachments into a local scratch cache so that
// the responder can open them by path.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/mmrelay/internal/channels/mattermost/api"
	"github.com/nextlevelbuilder/mmrelay/internal/config"
)

const (
	infoMaxRetries = 3
	defaultExt     = "png"
)

var errNotImage = errors.New("attachment is not an image")

// FileSource is the part of the REST client the downloader needs.
type FileSource interface {
	FileInfo(ctx context.Context, fileID string) (*api.FileInfo, error)
	DownloadFile(ctx context.Context, fileID string, w io.Writer, maxBytes int64) (int64, error)
}

// Image is a cached image attachment.
type Image struct {
	FileID   string
	Path     string
	Name     string
	MimeType string
}

// Downloader fetches image attachments into CacheDir as <file_id>.<ext>.
// Files already present are reused.
type Downloader struct {
	src        FileSource
	dir        string
	maxFiles   int
	maxBytes   int64
	maxDim     int
	retryDelay time.Duration
}

// NewDownloader creates a Downloader from cfg.
func NewDownloader(src FileSource, cfg config.MediaConfig) *Downloader {
	return &Downloader{
		src:        src,
		dir:        cfg.CacheDir,
		maxFiles:   cfg.MaxFiles,
		maxBytes:   cfg.MaxBytes,
		maxDim:     cfg.MaxDimension,
		retryDelay: time.Second,
	}
}

// Fetch downloads the image attachments among fileIDs, considering at most
// the first MaxFiles ids. Non-images and failures are skipped; the result
// keeps the order of fileIDs.
func (d *Downloader) Fetch(ctx context.Context, fileIDs []string) []Image {
	if d.maxFiles > 0 && len(fileIDs) > d.maxFiles {
		fileIDs = fileIDs[:d.maxFiles]
	}

	var images []Image
	for _, id := range fileIDs {
		img, err := d.fetch(ctx, id)
		switch {
		case errors.Is(err, errNotImage):
			slog.Debug("attachment skipped, not an image", "file_id", id)
		case err != nil:
			slog.Warn("attachment download failed", "file_id", id, "error", err)
		default:
			images = append(images, img)
		}
	}
	return images
}

func (d *Downloader) fetch(ctx context.Context, fileID string) (Image, error) {
	info, err := d.fileInfo(ctx, fileID)
	if err != nil {
		return Image{}, err
	}
	if !strings.HasPrefix(info.MimeType, "image/") {
		return Image{}, errNotImage
	}
	if d.maxBytes > 0 && info.Size > d.maxBytes {
		return Image{}, fmt.Errorf("file too large: %d bytes (max %d)", info.Size, d.maxBytes)
	}

	img := Image{
		FileID:   fileID,
		Path:     filepath.Join(d.dir, fileID+"."+extension(info)),
		Name:     info.Name,
		MimeType: info.MimeType,
	}

	if st, err := os.Stat(img.Path); err == nil && st.Size() > 0 {
		slog.Debug("attachment cache hit", "file_id", fileID, "path", img.Path)
		return img, nil
	}

	if err := d.download(ctx, fileID, img.Path); err != nil {
		return Image{}, err
	}
	slog.Info("attachment downloaded", "file_id", fileID, "name", info.Name, "path", img.Path)
	return img, nil
}

// fileInfo retries metadata lookups with a linear backoff.
func (d *Downloader) fileInfo(ctx context.Context, fileID string) (*api.FileInfo, error) {
	var lastErr error
	for attempt := 1; attempt <= infoMaxRetries; attempt++ {
		info, err := d.src.FileInfo(ctx, fileID)
		if err == nil {
			return info, nil
		}
		lastErr = err

		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			break
		}
		if attempt < infoMaxRetries {
			slog.Debug("retrying file info", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * d.retryDelay):
			}
		}
	}
	return nil, fmt.Errorf("file info %s: %w", fileID, lastErr)
}

// download writes the file to a temporary sibling of dst, downscales it when
// needed, and renames it into place.
func (d *Downloader) download(ctx context.Context, fileID, dst string) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(d.dir, fileID+"-*"+filepath.Ext(dst))
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	_, err = d.src.DownloadFile(ctx, fileID, tmp, d.maxBytes)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", fileID, err)
	}

	d.downscale(tmpName)

	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("move into cache: %w", err)
	}
	return nil
}

// downscale shrinks the image at path in place so that neither side exceeds
// maxDim. Formats the imaging package cannot decode or encode are left as
// downloaded.
func (d *Downloader) downscale(path string) {
	if d.maxDim <= 0 {
		return
	}

	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		slog.Debug("attachment not decodable, kept as is", "path", path, "error", err)
		return
	}

	b := src.Bounds()
	if b.Dx() <= d.maxDim && b.Dy() <= d.maxDim {
		return
	}

	dst := imaging.Fit(src, d.maxDim, d.maxDim, imaging.Lanczos)
	if err := imaging.Save(dst, path); err != nil {
		slog.Debug("downscaled attachment not saved", "path", path, "error", err)
		return
	}
	slog.Debug("attachment downscaled",
		"path", path, "from", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()),
		"to", fmt.Sprintf("%dx%d", dst.Bounds().Dx(), dst.Bounds().Dy()))
}

// extension picks the cache file extension from the original file name,
// then the server-reported extension, then png.
func extension(info *api.FileInfo) string {
	if ext := strings.TrimPrefix(filepath.Ext(info.Name), "."); ext != "" {
		return strings.ToLower(ext)
	}
	if info.Extension != "" {
		return strings.ToLower(strings.TrimPrefix(info.Extension, "."))
	}
	return defaultExt
}
