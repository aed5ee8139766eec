package watch

import (
	"context"
	"fmt"

	"github.com/prappser/prappser_uploader/internal/pipeline"
	"github.com/prappser/prappser_uploader/internal/session"
)

// Defaults seed the form of every watched file.
type Defaults struct {
	Description   string
	Category      string
	Tags          string
	Visibility    session.Visibility
	AllowComments bool
}

// PipelineUploader runs watched files through a pipeline machine and resets
// it afterwards so the next file can be submitted.
type PipelineUploader struct {
	machine  *pipeline.Machine
	defaults Defaults
}

func NewPipelineUploader(machine *pipeline.Machine, defaults Defaults) *PipelineUploader {
	return &PipelineUploader{machine: machine, defaults: defaults}
}

func (u *PipelineUploader) UploadFile(ctx context.Context, path string) (string, error) {
	file, err := session.OpenLocalFile(path)
	if err != nil {
		return "", err
	}

	form := session.New()
	form.Description = u.defaults.Description
	form.Category = u.defaults.Category
	form.Tags = u.defaults.Tags
	if u.defaults.Visibility != "" {
		form.Visibility = u.defaults.Visibility
	}
	form.AllowComments = u.defaults.AllowComments
	form.SelectFile(file)

	snapshot, err := u.machine.Run(ctx, form.Snapshot())
	defer u.machine.Reset()
	if err != nil {
		return "", fmt.Errorf("upload of %s failed: %w", file.Name, err)
	}
	if snapshot.Target == nil {
		return "", fmt.Errorf("upload of %s finished without a target", file.Name)
	}
	return snapshot.Target.VideoID, nil
}
