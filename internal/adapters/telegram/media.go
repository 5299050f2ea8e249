package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/mymmrac/telego"

	"github.com/cursorbot/cursorbot/internal/bus"
)

// maxImageEdge bounds the longest side of downloaded photos before they
// reach the executor workspace.
const maxImageEdge = 1568

// fetchMedia resolves Telegram file ids in msg.Media to local paths
// under dir. Photos are downscaled; other media is stored as received.
// Failures leave the original file id in place.
func (a *Adapter) fetchMedia(ctx context.Context, msg *bus.UnifiedMessage, dir string) {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil || dir == "" {
		return
	}
	for i := range msg.Media {
		local, err := a.downloadOne(ctx, bot, msg.Media[i], dir, msg.Kind == bus.KindImage)
		if err != nil {
			continue
		}
		msg.Media[i].URL = local
	}
}

func (a *Adapter) downloadOne(ctx context.Context, bot *telego.Bot, att bus.Attachment, dir string, isPhoto bool) (string, error) {
	f, err := bot.GetFile(ctx, &telego.GetFileParams{FileID: att.URL})
	if err != nil {
		return "", fmt.Errorf("telegram: get file: %w", err)
	}
	url := bot.FileDownloadURL(f.FilePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("telegram: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("telegram: download: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := att.FileName
	if name == "" {
		name = filepath.Base(f.FilePath)
	}
	dest := filepath.Join(dir, name)

	if isPhoto {
		img, err := imaging.Decode(resp.Body, imaging.AutoOrientation(true))
		if err != nil {
			return "", fmt.Errorf("telegram: decode image: %w", err)
		}
		if img.Bounds().Dx() > maxImageEdge || img.Bounds().Dy() > maxImageEdge {
			img = imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
		}
		if filepath.Ext(dest) == "" {
			dest += ".jpg"
		}
		if err := imaging.Save(img, dest, imaging.JPEGQuality(85)); err != nil {
			return "", fmt.Errorf("telegram: save image: %w", err)
		}
		return dest, nil
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", err
	}
	return dest, nil
}
