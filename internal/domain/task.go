package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// TaskSpec is the job-type-specific part of a task message.
// Each job type is one implementation; adding a job type means adding a variant
// and registering it in specFactories.
type TaskSpec interface {
	// JobType returns the variant tag
	JobType() JobType
	// Bindings returns the script placeholder values owned by this variant
	Bindings() map[string]string
	// Products returns the derived records to persist when the job completes
	Products(correlationID string, procDate time.Time) []ProductRecord
}

var specFactories = map[JobType]func() TaskSpec{
	JobTypeVariance: func() TaskSpec { return &VarianceSpec{} },
	JobTypeTemplate: func() TaskSpec { return &TemplateSpec{} },
	JobTypeCoaddSub: func() TaskSpec { return &CoaddSubSpec{} },
}

// IsKnownJobType reports whether jt has a registered variant
func IsKnownJobType(jt JobType) bool {
	_, ok := specFactories[jt]
	return ok
}

// Task is a decoded work-queue message
type Task struct {
	CorrelationID string
	Dependencies  []string
	Spec          TaskSpec
	Body          []byte // verbatim message body
}

type envelope struct {
	JobType      JobType  `json:"jobtype"`
	Dependencies []string `json:"dependencies"`
}

// PeekJobType extracts the jobtype field without validating the rest of the message
func PeekJobType(body []byte) JobType {
	var env envelope
	_ = json.Unmarshal(body, &env)
	return env.JobType
}

// ParseTask decodes and validates a task message body
func ParseTask(correlationID string, body []byte) (*Task, error) {
	if correlationID == "" {
		return nil, ErrMissingCorrelationID
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	factory, ok := specFactories[env.JobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedJobType, env.JobType)
	}

	spec := factory()
	if err := json.Unmarshal(body, spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if err := validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	for _, dep := range env.Dependencies {
		if dep == "" {
			return nil, fmt.Errorf("%w: empty dependency id", ErrInvalidPayload)
		}
	}

	deps := env.Dependencies
	if deps == nil {
		deps = []string{}
	}

	return &Task{
		CorrelationID: correlationID,
		Dependencies:  deps,
		Spec:          spec,
		Body:          body,
	}, nil
}

// VarianceSpec describes a variance-map job over a list of science frames
type VarianceSpec struct {
	Images []string `json:"images" validate:"required,min=1,dive,required"`
}

func (s *VarianceSpec) JobType() JobType { return JobTypeVariance }

// Masks returns the mask frame paths paired with each science frame
func (s *VarianceSpec) Masks() []string {
	masks := make([]string, len(s.Images))
	for i, img := range s.Images {
		masks[i] = strings.ReplaceAll(img, "sciimg", "mskimg")
	}
	return masks
}

func (s *VarianceSpec) Bindings() map[string]string {
	return map[string]string{
		"images": strings.Join(s.Images, "\n"),
		"masks":  strings.Join(s.Masks(), "\n"),
	}
}

func (s *VarianceSpec) Products(string, time.Time) []ProductRecord { return nil }

// TemplateSpec describes a template coaddition job
type TemplateSpec struct {
	Images           []string `json:"images" validate:"required,min=1,dive,required"`
	OutfileName      string   `json:"outfile_name" validate:"required,endswith=.fits"`
	Filter           string   `json:"filter" validate:"required"`
	Quadrant         int      `json:"quadrant"`
	Field            int      `json:"field"`
	CCDNum           int      `json:"ccdnum"`
	MinDate          string   `json:"mindate"`
	MaxDate          string   `json:"maxdate"`
	PipelineSchemaID int      `json:"pipeline_schema_id"`
	ImageIDs         []int64  `json:"imids" validate:"required,min=1"`
}

func (s *TemplateSpec) JobType() JobType { return JobTypeTemplate }

// Catalogs returns the source catalog paths of the input frames
func (s *TemplateSpec) Catalogs() []string {
	cats := make([]string, len(s.Images))
	for i, img := range s.Images {
		cats[i] = strings.ReplaceAll(img, "fits", "cat")
	}
	return cats
}

func (s *TemplateSpec) Bindings() map[string]string {
	return map[string]string{
		"images":   strings.Join(s.Images, " "),
		"catalogs": strings.Join(s.Catalogs(), " "),
		"basename": strings.TrimSuffix(s.OutfileName, ".fits"),
	}
}

func (s *TemplateSpec) Products(correlationID string, procDate time.Time) []ProductRecord {
	return []ProductRecord{{
		Kind:             ProductTemplate,
		CorrelationID:    correlationID,
		Path:             s.OutfileName,
		Filter:           s.Filter,
		Quadrant:         s.Quadrant,
		Field:            s.Field,
		CCDNum:           s.CCDNum,
		MinDate:          s.MinDate,
		MaxDate:          s.MaxDate,
		PipelineSchemaID: s.PipelineSchemaID,
		ProcDate:         procDate,
		ImageIDs:         s.ImageIDs,
	}}
}

// CoaddSubSpec describes a coadd followed by an image subtraction against a template
type CoaddSubSpec struct {
	Images           []string `json:"images" validate:"required,min=1,dive,required"`
	OutfileName      string   `json:"outfile_name" validate:"required,endswith=.fits"`
	Template         string   `json:"template" validate:"required"`
	Filter           string   `json:"filter"`
	Quadrant         int      `json:"quadrant"`
	Field            int      `json:"field"`
	CCDNum           int      `json:"ccdnum"`
	MinDate          string   `json:"mindate"`
	MaxDate          string   `json:"maxdate"`
	PipelineSchemaID int      `json:"pipeline_schema_id"`
	ImageIDs         []int64  `json:"imids"`
}

func (s *CoaddSubSpec) JobType() JobType { return JobTypeCoaddSub }

// Catalogs returns the source catalog paths of the input frames
func (s *CoaddSubSpec) Catalogs() []string {
	cats := make([]string, len(s.Images))
	for i, img := range s.Images {
		cats[i] = strings.ReplaceAll(img, ".fits", ".cat")
	}
	return cats
}

func (s *CoaddSubSpec) Bindings() map[string]string {
	return map[string]string{
		"images":   strings.Join(s.Images, " "),
		"catalogs": strings.Join(s.Catalogs(), " "),
		"basename": strings.TrimSuffix(s.OutfileName, ".fits"),
		"template": s.Template,
	}
}

// Products returns a coadd record only when the message carries image ids to associate
func (s *CoaddSubSpec) Products(correlationID string, procDate time.Time) []ProductRecord {
	if len(s.ImageIDs) == 0 {
		return nil
	}
	return []ProductRecord{{
		Kind:             ProductCoadd,
		CorrelationID:    correlationID,
		Path:             s.OutfileName,
		Filter:           s.Filter,
		Quadrant:         s.Quadrant,
		Field:            s.Field,
		CCDNum:           s.CCDNum,
		MinDate:          s.MinDate,
		MaxDate:          s.MaxDate,
		PipelineSchemaID: s.PipelineSchemaID,
		ProcDate:         procDate,
		ImageIDs:         s.ImageIDs,
	}}
}
