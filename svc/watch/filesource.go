package watch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"clipvault/pkg/domain"
)

// FileSource reads the clipboard snapshot the host shell drops as a JSON
// file before signalling a change. The shell owns the platform clipboard
// APIs; this side only parses what it wrote.
type FileSource struct {
	path string
}

type snapshotFile struct {
	Text     string   `json:"text,omitempty"`
	HTML     string   `json:"html,omitempty"`
	ImageB64 string   `json:"image_b64,omitempty"`
	Files    []string `json:"files,omitempty"`
	App      struct {
		Name  string `json:"name,omitempty"`
		Title string `json:"title,omitempty"`
		Path  string `json:"path,omitempty"`
	} `json:"app"`
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Read(ctx context.Context) (Snapshot, error) {
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	default:
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return Snapshot{}, errors.Wrap(domain.ErrClipboardBusy, err.Error())
	}
	var sf snapshotFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return Snapshot{}, errors.Wrap(err, "decode clipboard snapshot")
	}
	snap := Snapshot{
		Text:  sf.Text,
		HTML:  sf.HTML,
		Files: sf.Files,
		App: AppInfo{
			Name:  sf.App.Name,
			Title: sf.App.Title,
			Path:  sf.App.Path,
		},
	}
	if sf.ImageB64 != "" {
		img, err := base64.StdEncoding.DecodeString(sf.ImageB64)
		if err != nil {
			return Snapshot{}, errors.Wrap(err, "decode snapshot image")
		}
		snap.Image = img
	}
	return snap, nil
}
