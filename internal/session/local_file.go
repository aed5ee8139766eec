package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

func OpenLocalFile(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return NewFile(filepath.Base(path), info.Size(), detectMediaType(path), func() (io.ReadCloser, error) {
		return os.Open(path)
	}), nil
}

func IsVideoFile(path string) bool {
	return detectMediaType(path) != ""
}

func detectMediaType(filename string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")) {
	case "mp4":
		return "video/mp4"
	case "m4v":
		return "video/x-m4v"
	case "mov":
		return "video/quicktime"
	case "webm":
		return "video/webm"
	case "avi":
		return "video/x-msvideo"
	case "mkv":
		return "video/x-matroska"
	default:
		return ""
	}
}
