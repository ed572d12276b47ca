package firewall

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// PatternDefinition is one pattern entry in a YAML pattern file.
type PatternDefinition struct {
	Name        string  `yaml:"name"`
	Type        string  `yaml:"type"`
	Pattern     string  `yaml:"pattern"`
	Mask        string  `yaml:"mask"`
	Confidence  float64 `yaml:"confidence"`
	Block       bool    `yaml:"block"`
	Description string  `yaml:"description"`
}

// PatternFile is the YAML layout:
//
//	include_defaults: true
//	disabled: [phone_us]
//	patterns:
//	  - name: employee_id
//	    type: EMPLOYEE_ID
//	    pattern: 'EMP-\d{6}'
//	    block: true
type PatternFile struct {
	IncludeDefaults *bool               `yaml:"include_defaults"`
	Disabled        []string            `yaml:"disabled"`
	Patterns        []PatternDefinition `yaml:"patterns"`
}

// LoadPatternFile reads a YAML pattern file and returns the resulting
// detector set.
func LoadPatternFile(path string) ([]Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read safety patterns %s: %w", path, err)
	}
	var file PatternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse safety patterns %s: %w", path, err)
	}
	return file.Compile()
}

// Compile merges the defaults (unless excluded) with the custom definitions.
func (f PatternFile) Compile() ([]Pattern, error) {
	disabled := make(map[string]bool, len(f.Disabled))
	for _, name := range f.Disabled {
		disabled[strings.ToLower(strings.TrimSpace(name))] = true
	}

	var out []Pattern
	if f.IncludeDefaults == nil || *f.IncludeDefaults {
		for _, p := range defaultPatterns {
			if !disabled[p.Name] {
				out = append(out, p)
			}
		}
	}
	for _, def := range f.Patterns {
		if disabled[strings.ToLower(def.Name)] {
			continue
		}
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %s: %w", def.Name, err)
		}
		mask := def.Mask
		if mask == "" {
			mask = "[" + strings.ToUpper(def.Type) + "]"
		}
		confidence := def.Confidence
		if confidence <= 0 {
			confidence = 0.8
		}
		out = append(out, Pattern{
			Name:       def.Name,
			Type:       strings.ToUpper(def.Type),
			Regexp:     re,
			Mask:       mask,
			Confidence: confidence,
			Block:      def.Block,
		})
	}
	return out, nil
}
