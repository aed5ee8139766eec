package session

import (
	"io"
	"path/filepath"
	"strings"
	"time"
)

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityPrivate  Visibility = "private"
	VisibilityUnlisted Visibility = "unlisted"
)

var Categories = []string{
	"Gaming",
	"Music",
	"Education",
	"Entertainment",
	"Sports",
	"Technology",
	"Art",
	"Just Chatting",
}

// File is a handle on the selected video. The bytes are only read when the
// transport opens it.
type File struct {
	Name      string
	Size      int64 `validate:"gt=0"`
	MediaType string
	open      func() (io.ReadCloser, error)
}

func NewFile(name string, size int64, mediaType string, open func() (io.ReadCloser, error)) *File {
	return &File{
		Name:      name,
		Size:      size,
		MediaType: mediaType,
		open:      open,
	}
}

func (f *File) Open() (io.ReadCloser, error) {
	return f.open()
}

// Session is the upload form state. It is owned by a single UI goroutine.
type Session struct {
	Title         string
	Description   string
	Category      string
	Tags          string
	Visibility    Visibility
	AllowComments bool
	ScheduleAt    *time.Time
	File          *File
	Dragging      bool
}

func New() *Session {
	return &Session{
		Visibility:    VisibilityPublic,
		AllowComments: true,
	}
}

// SelectFile stores the file and fills an empty title from the file name.
func (s *Session) SelectFile(file *File) {
	s.File = file
	s.Dragging = false
	if file == nil {
		return
	}
	if strings.TrimSpace(s.Title) == "" {
		s.Title = titleFromFilename(file.Name)
	}
}

func (s *Session) Reset() {
	*s = *New()
}

type Snapshot struct {
	File          *File      `validate:"required"`
	Title         string     `validate:"required"`
	Description   string     `validate:"max=5000"`
	Category      string     `validate:"category"`
	Tags          []string   `validate:"dive,max=64"`
	Visibility    Visibility `validate:"oneof=public private unlisted"`
	AllowComments bool
	ScheduleAt    *time.Time
}

func (s *Session) Snapshot() Snapshot {
	var scheduleAt *time.Time
	if s.ScheduleAt != nil {
		t := *s.ScheduleAt
		scheduleAt = &t
	}
	return Snapshot{
		File:          s.File,
		Title:         strings.TrimSpace(s.Title),
		Description:   strings.TrimSpace(s.Description),
		Category:      s.Category,
		Tags:          splitTags(s.Tags),
		Visibility:    s.Visibility,
		AllowComments: s.AllowComments,
		ScheduleAt:    scheduleAt,
	}
}

func titleFromFilename(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func splitTags(raw string) []string {
	tags := []string{}
	for _, tag := range strings.Split(raw, ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
