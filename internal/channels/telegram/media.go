package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/mymmrac/telego"
)

const (
	// defaultMediaMaxBytes is the max download size (20MB, Telegram Bot API limit).
	defaultMediaMaxBytes int64 = 20 * 1024 * 1024

	// downloadMaxRetries is the number of GetFile attempts.
	downloadMaxRetries = 3

	// maxImageSide bounds saved images; larger photos are downscaled.
	maxImageSide = 2048

	fileIDPrefixLen = 12
)

// DownloadPhoto fetches fileID into dir as a JPEG and returns its path.
// The name is {UTC timestamp}_{file id prefix}.jpg.
func (c *Client) DownloadPhoto(ctx context.Context, fileID, dir string) (string, error) {
	tmp, err := c.downloadFile(ctx, fileID, defaultMediaMaxBytes)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	dest := filepath.Join(dir, ImageFilename(fileID, time.Now()))
	if err := saveJPEG(tmp, dest); err != nil {
		return "", err
	}
	slog.Info("photo saved", "path", dest)
	return dest, nil
}

// ImageFilename builds the on-disk name for a downloaded photo.
func ImageFilename(fileID string, now time.Time) string {
	prefix := fileID
	if len(prefix) > fileIDPrefixLen {
		prefix = prefix[:fileIDPrefixLen]
	}
	return fmt.Sprintf("%s_%s.jpg", now.UTC().Format("20060102_150405"), prefix)
}

// saveJPEG decodes src (any format imaging understands), fits it within
// maxImageSide and writes it to dest as JPEG.
func saveJPEG(src, dest string) error {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() > maxImageSide || b.Dy() > maxImageSide {
		img = imaging.Fit(img, maxImageSide, maxImageSide, imaging.Lanczos)
	}
	if err := imaging.Save(img, dest, imaging.JPEGQuality(90)); err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	return nil
}

// downloadFile downloads a file from Telegram by file_id with retry logic.
// Returns a temp file path the caller must remove.
func (c *Client) downloadFile(ctx context.Context, fileID string, maxBytes int64) (string, error) {
	var file *telego.File
	var err error

	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		if err = c.wait(ctx); err != nil {
			return "", err
		}
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			slog.Debug("retrying file download", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > maxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmpFile, err := os.CreateTemp("", "sase_tg_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmpFile.Close()

	written, err := io.Copy(tmpFile, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > maxBytes {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}
	return tmpFile.Name(), nil
}
