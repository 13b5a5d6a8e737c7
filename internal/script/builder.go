package script

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/cuongbtq/hpc-dispatcher/internal/domain"
)

//go:embed templates/*.sh
var embedded embed.FS

// ErrUnresolvedPlaceholder is returned when a rendered script still contains a {{name}} token
var ErrUnresolvedPlaceholder = errors.New("unresolved script placeholder")

const dependencyToken = "{{dependencies}}"

var placeholderPattern = regexp.MustCompile(`\{\{[a-z_]+\}\}`)

// Params carries the per-submission values that are not part of the task message
type Params struct {
	ScriptDir     string
	JobName       string
	Dependencies  string // colon-joined external handles, empty when the job has none
	CorrelationID string
}

// Templates holds one script template per job type
type Templates struct {
	byType map[domain.JobType]string
}

// LoadTemplates reads {jobtype}.sh for every known job type from dir.
// An empty dir selects the embedded templates.
func LoadTemplates(dir string) (*Templates, error) {
	var fsys fs.FS
	if dir == "" {
		sub, err := fs.Sub(embedded, "templates")
		if err != nil {
			return nil, fmt.Errorf("failed to open embedded templates: %w", err)
		}
		fsys = sub
	} else {
		fsys = os.DirFS(dir)
	}

	t := &Templates{byType: make(map[domain.JobType]string)}
	for _, jt := range []domain.JobType{domain.JobTypeVariance, domain.JobTypeTemplate, domain.JobTypeCoaddSub} {
		content, err := fs.ReadFile(fsys, string(jt)+".sh")
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", jt, err)
		}
		t.byType[jt] = string(content)
	}

	return t, nil
}

// NewTemplates builds a template set from in-memory contents
func NewTemplates(byType map[domain.JobType]string) *Templates {
	copied := make(map[domain.JobType]string, len(byType))
	for k, v := range byType {
		copied[k] = v
	}
	return &Templates{byType: copied}
}

// For returns the template for jt
func (t *Templates) For(jt domain.JobType) (string, error) {
	tmpl, ok := t.byType[jt]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedJobType, jt)
	}
	return tmpl, nil
}

// Render looks up the template for spec and builds the script
func (t *Templates) Render(spec domain.TaskSpec, params Params) (string, error) {
	if spec == nil {
		return "", fmt.Errorf("%w: nil task", domain.ErrUnsupportedJobType)
	}
	tmpl, err := t.For(spec.JobType())
	if err != nil {
		return "", err
	}
	return Build(tmpl, spec, params)
}

// Build substitutes every placeholder of tmpl with the values of spec and params.
// Lines that carry the dependency placeholder are dropped when there are no dependencies.
func Build(tmpl string, spec domain.TaskSpec, params Params) (string, error) {
	if spec == nil || !domain.IsKnownJobType(spec.JobType()) {
		return "", domain.ErrUnsupportedJobType
	}

	if params.Dependencies == "" {
		tmpl = dropLines(tmpl, dependencyToken)
	}

	bindings := spec.Bindings()
	bindings["script_dir"] = params.ScriptDir
	bindings["job_name"] = params.JobName
	bindings["dependencies"] = params.Dependencies
	bindings["correlation_id"] = params.CorrelationID

	keys := make([]string, 0, len(bindings))
	for k := range bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", bindings[k])
	}

	out := strings.NewReplacer(pairs...).Replace(tmpl)

	if leftover := placeholderPattern.FindString(out); leftover != "" {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedPlaceholder, leftover)
	}

	return out, nil
}

// Path returns the remote path of the script for a job
func Path(dir, correlationID string) string {
	return path.Join(dir, correlationID+".sh")
}

// JobName returns the scheduler job name for a job
func JobName(jt domain.JobType, correlationID string) string {
	return string(jt) + "_" + correlationID
}

func dropLines(s, token string) string {
	lines := strings.SplitAfter(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !strings.Contains(line, token) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "")
}
