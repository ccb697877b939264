// Package render implements the strict, indentation-preserving template
// renderer of §4.3, grounded on original_source's config_renderer.rs.
package render

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cuemby/ankor/internal/workload"
)

// FieldError reports a single field that failed to render (§4.3, §7).
type FieldError struct {
	Name   string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Name, e.Reason)
}

// NotExistingConfigKey is returned when a workload's configs alias maps to
// a config key that has no value in the supplied config map.
type NotExistingConfigKey struct {
	WorkloadName string
	Alias        string
	Key          string
}

func (e *NotExistingConfigKey) Error() string {
	return fmt.Sprintf("workload %q: alias %q references unknown config key %q", e.WorkloadName, e.Alias, e.Key)
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// Render renders every workload in workloads against configValues (config
// key -> config value), returning a new map of rendered Specs. A workload
// that references no configs is passed through unmodified (minus its
// Configs field, which is always cleared after rendering per §4.3).
func Render(workloads map[string]workload.Spec, configValues map[string]string) (map[string]workload.Spec, error) {
	out := make(map[string]workload.Spec, len(workloads))
	for name, spec := range workloads {
		rendered, err := renderOne(name, spec, configValues)
		if err != nil {
			return nil, err
		}
		out[name] = rendered
	}
	return out, nil
}

func renderOne(name string, spec workload.Spec, configValues map[string]string) (workload.Spec, error) {
	if len(spec.Configs) == 0 {
		spec.Configs = nil
		return spec, nil
	}

	scope := make(map[string]string, len(spec.Configs))
	for alias, key := range spec.Configs {
		value, ok := configValues[key]
		if !ok {
			return workload.Spec{}, &NotExistingConfigKey{WorkloadName: name, Alias: alias, Key: key}
		}
		scope[alias] = value
	}

	agent, err := renderString(spec.Agent, scope)
	if err != nil {
		return workload.Spec{}, err
	}
	runtimeConfig, err := renderString(spec.RuntimeConfig, scope)
	if err != nil {
		return workload.Spec{}, err
	}

	var files []workload.File
	for _, f := range spec.Files {
		content, err := renderString(f.Content, scope)
		if err != nil {
			return workload.Spec{}, err
		}
		files = append(files, workload.File{MountPoint: f.MountPoint, Content: content, Kind: f.Kind})
	}

	spec.Agent = agent
	spec.RuntimeConfig = runtimeConfig
	spec.Files = files
	spec.Configs = nil // no longer needed after rendering
	return spec, nil
}

// renderString substitutes every {{alias}} placeholder in s with its scope
// value. Unknown identifiers are a strict error (R: strict mode). Multi-line
// values are re-indented to the column of the placeholder they replace (R1),
// and no HTML/escaping transform is applied to substituted values (R2).
// Rendering the same input twice yields the same output (R3): once a
// placeholder is substituted, its replacement contains no further
// placeholder syntax to re-expand (config values are opaque strings).
func renderString(s string, scope map[string]string) (string, error) {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		rendered, err := renderLine(line, scope)
		if err != nil {
			return "", err
		}
		lines[i] = rendered
	}
	return strings.Join(lines, "\n"), nil
}

// renderLine expands all placeholders on a single line, indenting any
// newline introduced by a multi-line value to the column of the
// placeholder's opening brace.
func renderLine(line string, scope map[string]string) (string, error) {
	var out strings.Builder
	last := 0
	for _, loc := range placeholder.FindAllStringSubmatchIndex(line, -1) {
		start, end := loc[0], loc[1]
		name := line[loc[2]:loc[3]]
		value, ok := scope[name]
		if !ok {
			return "", &FieldError{Name: name, Reason: "unknown identifier"}
		}

		out.WriteString(line[last:start])
		column := out.Len() // the placeholder's column in the *output* line becomes the indent column
		if strings.Contains(value, "\n") {
			indent := strings.Repeat(" ", column)
			valueLines := strings.Split(value, "\n")
			out.WriteString(valueLines[0])
			for _, vl := range valueLines[1:] {
				out.WriteString("\n")
				out.WriteString(indent)
				out.WriteString(vl)
			}
		} else {
			out.WriteString(value)
		}
		last = end
	}
	out.WriteString(line[last:])
	return out.String(), nil
}
