// internal/script/script.go
// Package script reads step files and runs them against a session.
package script

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Actions understood by the runner.
const (
	ActionVisit       = "visit"
	ActionFill        = "fill"
	ActionSelect      = "select"
	ActionCheck       = "check"
	ActionUncheck     = "uncheck"
	ActionChoose      = "choose"
	ActionClickLink   = "click_link"
	ActionPressButton = "press_button"
	ActionQuery       = "query"
	ActionQueryAll    = "query_all"
	ActionHTML        = "html"
	ActionText        = "text"
	ActionXPath       = "xpath"
	ActionEval        = "eval"
	ActionExpect      = "expect"
)

var actions = map[string]bool{
	ActionVisit: true, ActionFill: true, ActionSelect: true, ActionCheck: true,
	ActionUncheck: true, ActionChoose: true, ActionClickLink: true, ActionPressButton: true,
	ActionQuery: true, ActionQueryAll: true, ActionHTML: true, ActionText: true,
	ActionXPath: true, ActionEval: true, ActionExpect: true,
}

// Script is a step file.
type Script struct {
	// BaseURL overrides the configured base URL when set.
	BaseURL string `yaml:"base_url"`
	Steps   []Step `yaml:"steps"`
}

// Args holds every field a step may carry. Target and Within keep the YAML
// scalar type: unquoted integers name handles, strings are selectors, and
// "$name" refers to a handle saved by an earlier step.
type Args struct {
	Target     any    `yaml:"target"`
	Within     any    `yaml:"within"`
	Value      string `yaml:"value"`
	Path       string `yaml:"path"`
	Expression string `yaml:"expression"`
	// Save stores the first returned handle under a name.
	Save string `yaml:"save"`
	// Expect, when set, must equal the step's textual result.
	Expect *string `yaml:"expect"`
	// Count, when set, must equal the number of returned handles.
	Count *int `yaml:"count"`
	// URL must be contained in the current address (expect steps).
	URL string `yaml:"url"`
	// Loading must equal the session loading flag (expect steps).
	Loading *bool `yaml:"loading"`
}

// Step is one action with its arguments. In YAML it is a single-key mapping:
//
//   - fill: {target: "#user", value: admin}
//   - click_link: "#help"
type Step struct {
	Action string
	Args   Args
	Line   int
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("line %d: a step is a mapping with exactly one action", node.Line)
	}
	s.Line = node.Line
	s.Action = node.Content[0].Value
	if !actions[s.Action] {
		return fmt.Errorf("line %d: unknown action %q (known: %s)", node.Line, s.Action, strings.Join(knownActions(), ", "))
	}

	val := node.Content[1]
	switch val.Kind {
	case yaml.MappingNode:
		if err := val.Decode(&s.Args); err != nil {
			return fmt.Errorf("line %d: %w", val.Line, err)
		}
	case yaml.ScalarNode:
		var v any
		if err := val.Decode(&v); err != nil {
			return fmt.Errorf("line %d: %w", val.Line, err)
		}
		s.setShorthand(v)
	default:
		return fmt.Errorf("line %d: %s takes a scalar or a mapping", val.Line, s.Action)
	}
	return nil
}

// setShorthand assigns a scalar step value to the argument the action needs most.
func (s *Step) setShorthand(v any) {
	switch s.Action {
	case ActionVisit:
		s.Args.Path = fmt.Sprint(v)
	case ActionEval, ActionXPath:
		s.Args.Expression = fmt.Sprint(v)
	case ActionExpect:
		s.Args.URL = fmt.Sprint(v)
	default:
		s.Args.Target = v
	}
}

func knownActions() []string {
	out := make([]string, 0, len(actions))
	for a := range actions {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Parse decodes a step file.
func Parse(data []byte) (*Script, error) {
	var sc Script
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	if len(sc.Steps) == 0 {
		return nil, fmt.Errorf("script has no steps")
	}
	return &sc, nil
}

// Load reads and decodes the step file at path.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return Parse(data)
}
