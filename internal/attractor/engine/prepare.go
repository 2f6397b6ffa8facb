package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/strongdm/attractor/internal/attractor/dot"
	"github.com/strongdm/attractor/internal/attractor/model"
	"github.com/strongdm/attractor/internal/attractor/style"
	"github.com/strongdm/attractor/internal/attractor/validate"
)

// Transform can mutate the parsed graph between parse and validate.
type Transform interface {
	ID() string
	Apply(g *model.Graph) error
}

// TransformRegistry stores transforms to apply in registration order.
type TransformRegistry struct {
	transforms []Transform
}

func NewTransformRegistry() *TransformRegistry { return &TransformRegistry{} }

func (r *TransformRegistry) Register(t Transform) {
	if r == nil || t == nil {
		return
	}
	r.transforms = append(r.transforms, t)
}

func (r *TransformRegistry) List() []Transform {
	if r == nil || len(r.transforms) == 0 {
		return nil
	}
	return append([]Transform{}, r.transforms...)
}

type PrepareOptions struct {
	// Transforms run after the built-ins (stylesheet, $goal expansion), in
	// order.
	Transforms []Transform

	// KnownTypes feeds the type_known lint. Empty means the default
	// registry's types.
	KnownTypes []string
}

// Prepare parses, transforms, and validates a pipeline graph.
func Prepare(dotSource []byte) (*model.Graph, []validate.Diagnostic, error) {
	return PrepareWithOptions(dotSource, PrepareOptions{})
}

func PrepareWithRegistry(dotSource []byte, reg *TransformRegistry) (*model.Graph, []validate.Diagnostic, error) {
	opts := PrepareOptions{}
	if reg != nil {
		opts.Transforms = reg.List()
	}
	return PrepareWithOptions(dotSource, opts)
}

func PrepareWithOptions(dotSource []byte, opts PrepareOptions) (*model.Graph, []validate.Diagnostic, error) {
	g, err := dot.Parse(dotSource)
	if err != nil {
		return nil, nil, err
	}

	// Built-in transforms: stylesheet defaults, then $goal expansion.
	if raw := strings.TrimSpace(g.Attrs["stylesheet"]); raw != "" {
		rules, err := style.ParseStylesheet(raw)
		if err != nil {
			diags := []validate.Diagnostic{{
				Rule:     "stylesheet_syntax",
				Severity: validate.SeverityError,
				Message:  err.Error(),
			}}
			return g, diags, fmt.Errorf("stylesheet parse: %w", err)
		}
		if err := style.ApplyStylesheet(g, rules); err != nil {
			return g, nil, fmt.Errorf("apply stylesheet: %w", err)
		}
	}
	_ = (goalExpansionTransform{}).Apply(g)

	// Custom transforms run after built-ins, in registration order.
	for _, tr := range opts.Transforms {
		if tr == nil {
			continue
		}
		if err := tr.Apply(g); err != nil {
			return g, nil, fmt.Errorf("transform %s: %w", tr.ID(), err)
		}
	}

	known := opts.KnownTypes
	if len(known) == 0 {
		known = NewDefaultRegistry().KnownTypes()
	}
	diags := validate.Validate(g, validate.NewTypeKnownRule(known))
	for _, d := range diags {
		if d.Severity == validate.SeverityError {
			return g, diags, fmt.Errorf("validation error: %s: %s", d.Rule, d.Message)
		}
	}
	return g, diags, nil
}

type goalExpansionTransform struct{}

func (t goalExpansionTransform) ID() string { return "expand_goal" }
func (t goalExpansionTransform) Apply(g *model.Graph) error {
	expandGoal(g)
	return nil
}

// expandGoal substitutes $goal in node prompts with the graph-level goal
// attribute, so a single DOT file can restate its objective per stage.
func expandGoal(g *model.Graph) {
	goal := g.Attrs["goal"]
	if goal == "" {
		return
	}
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		if p := n.Attrs["prompt"]; strings.Contains(p, "$goal") {
			n.Attrs["prompt"] = strings.ReplaceAll(p, "$goal", goal)
		}
	}
}

// PromptFileTransform resolves prompt_file attributes to inline prompt
// content read relative to BaseDir (typically the graph file's directory).
// Loaded content gets its own $goal expansion since the built-in pass ran
// before this transform.
type PromptFileTransform struct {
	BaseDir string
}

func (t PromptFileTransform) ID() string { return "expand_prompt_files" }

func (t PromptFileTransform) Apply(g *model.Graph) error {
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		pf := strings.TrimSpace(n.Attrs["prompt_file"])
		if pf == "" {
			continue
		}
		if strings.TrimSpace(n.Attrs["prompt"]) != "" {
			return fmt.Errorf("node %q: prompt_file and prompt are mutually exclusive", n.ID)
		}
		resolved := pf
		if !filepath.IsAbs(pf) && t.BaseDir != "" {
			resolved = filepath.Join(t.BaseDir, pf)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return fmt.Errorf("node %q: prompt_file %q: %w", n.ID, pf, err)
		}
		prompt := string(data)
		if goal := g.Attrs["goal"]; goal != "" {
			prompt = strings.ReplaceAll(prompt, "$goal", goal)
		}
		n.Attrs["prompt"] = prompt
		delete(n.Attrs, "prompt_file")
	}
	return nil
}
