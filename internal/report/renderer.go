// Package report assembles the callout document: the deterministic fallback
// section for an experiment, the dated document, and its Slack rendition.
package report

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

//go:embed templates/*.liquid
var templateFS embed.FS

// Renderer renders the report templates with Liquid. Parsed templates are
// cached by name.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a Renderer and parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{engine: liquid.NewEngine()}
	r.registerFilters()
	for _, name := range []string{"section", "document"} {
		if _, err := r.template(name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Renderer) registerFilters() {
	// {{ feature | default: "No brief summary available." }}
	r.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if strings.TrimSpace(s) == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})
}

func (r *Renderer) template(name string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(name); ok {
		return cached.(*liquid.Template), nil
	}
	src, err := templateFS.ReadFile("templates/" + name + ".liquid")
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", name, err)
	}
	tpl, perr := r.engine.ParseString(string(src))
	if perr != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, perr)
	}
	r.cache.Store(name, tpl)
	return tpl, nil
}

func (r *Renderer) render(name string, bindings map[string]interface{}) (string, error) {
	tpl, err := r.template(name)
	if err != nil {
		return "", err
	}
	out, rerr := tpl.RenderString(liquid.Bindings(bindings))
	if rerr != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, rerr)
	}
	return tidy(out), nil
}

// tidy collapses runs of blank lines left by template tags.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if l == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n")) + "\n"
}
