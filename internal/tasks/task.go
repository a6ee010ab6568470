// Package tasks defines the screenshot task record shared by the config store,
// the scheduler and the capture action.
package tasks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	DefaultWidth  = 1920
	DefaultHeight = 1080
)

var ErrInvalidTask = errors.New("invalid task")

// Task is one scheduled capture. The scheduler only reads ID, CronSchedule and
// Enabled; everything else is forwarded untouched to the capture action.
type Task struct {
	ID           string `json:"id" yaml:"id" validate:"required"`
	URL          string `json:"url" yaml:"url" validate:"required,url,startswith=http"`
	CronSchedule string `json:"cron_schedule" yaml:"cron_schedule" validate:"required"`
	OutputPath   string `json:"output_path" yaml:"output_path"`
	Width        int    `json:"width" yaml:"width" validate:"min=1,max=16384"`
	Height       int    `json:"height" yaml:"height" validate:"min=1,max=16384"`
	FullPage     bool   `json:"full_page" yaml:"full_page"`
	Enabled      bool   `json:"enabled" yaml:"enabled"`
}

// New returns an enabled full-page task with a fresh id and default viewport.
func New(url, cronSchedule, outputPath string) Task {
	return Task{
		ID:           uuid.NewString(),
		URL:          strings.TrimSpace(url),
		CronSchedule: strings.TrimSpace(cronSchedule),
		OutputPath:   strings.TrimSpace(outputPath),
		Width:        DefaultWidth,
		Height:       DefaultHeight,
		FullPage:     true,
		Enabled:      true,
	}
}

// UnmarshalJSON treats omitted full_page and enabled keys as true. Unknown
// keys are rejected the same way the config decoder rejects them.
func (t *Task) UnmarshalJSON(data []byte) error {
	type plain Task
	p := plain{FullPage: true, Enabled: true}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*t = Task(p)
	return nil
}

// WithDefaults fills zero viewport dimensions.
func (t Task) WithDefaults() Task {
	if t.Width <= 0 {
		t.Width = DefaultWidth
	}
	if t.Height <= 0 {
		t.Height = DefaultHeight
	}
	return t
}

// Equal reports whether two tasks carry the same definition.
func (t Task) Equal(o Task) bool { return t == o }

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func v() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the task's static fields. Cron syntax is checked by the
// scheduler package, which owns the cron grammar.
func (t Task) Validate() error {
	err := v().Struct(t)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w %s: %s", ErrInvalidTask, t.ID, strings.Join(parts, ", "))
	}
	return fmt.Errorf("%w %s: %v", ErrInvalidTask, t.ID, err)
}

// Find returns the index of id in list, or -1.
func Find(list []Task, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}
