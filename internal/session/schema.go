package session

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Schema is the closed set of conversation variables and flags a deployment
// tracks. It is fixed for the lifetime of the process and shared read-only.
type Schema struct {
	variables []string
	flags     []string
	varSet    map[string]struct{}
	flagSet   map[string]struct{}
	// FlagRules maps an asset name to the flag its playback sets.
	FlagRules map[string]string
}

// NewSchema validates names and builds a schema. Empty or duplicate names are
// rejected, as are rules naming an unknown flag.
func NewSchema(variables, flags []string, rules map[string]string) (*Schema, error) {
	s := &Schema{
		varSet:    make(map[string]struct{}, len(variables)),
		flagSet:   make(map[string]struct{}, len(flags)),
		FlagRules: make(map[string]string, len(rules)),
	}
	for _, v := range variables {
		if v == "" {
			return nil, fmt.Errorf("schema: empty variable name")
		}
		if _, dup := s.varSet[v]; dup {
			return nil, fmt.Errorf("schema: duplicate variable %q", v)
		}
		s.varSet[v] = struct{}{}
		s.variables = append(s.variables, v)
	}
	for _, f := range flags {
		if f == "" {
			return nil, fmt.Errorf("schema: empty flag name")
		}
		if _, dup := s.flagSet[f]; dup {
			return nil, fmt.Errorf("schema: duplicate flag %q", f)
		}
		s.flagSet[f] = struct{}{}
		s.flags = append(s.flags, f)
	}
	for asset, flag := range rules {
		if _, ok := s.flagSet[flag]; !ok {
			return nil, fmt.Errorf("schema: rule for asset %q names unknown flag %q", asset, flag)
		}
		s.FlagRules[asset] = flag
	}
	return s, nil
}

// DefaultSchema is the plumbing-business content schema.
func DefaultSchema() *Schema {
	s, err := NewSchema(
		[]string{
			"service_type", "urgency_level", "property_type", "customer_location",
			"customer_name", "customer_phone", "preferred_date", "preferred_time",
			"issue_description", "previous_customer", "selected_appointment",
		},
		[]string{
			"intro_played", "services_explained", "pricing_discussed",
			"availability_mentioned", "location_confirmed", "urgency_assessed",
			"contact_details_collected", "booking_confirmed", "experience_mentioned",
		},
		map[string]string{
			"intro":      "intro_played",
			"greeting":   "intro_played",
			"services":   "services_explained",
			"pricing":    "pricing_discussed",
			"experience": "experience_mentioned",
		},
	)
	if err != nil {
		panic(err)
	}
	return s
}

type schemaFile struct {
	Variables []string          `yaml:"variables"`
	Flags     []string          `yaml:"flags"`
	FlagRules map[string]string `yaml:"flag_rules"`
}

// LoadSchema reads a YAML schema file.
func LoadSchema(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var f schemaFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", path, err)
	}
	return NewSchema(f.Variables, f.Flags, f.FlagRules)
}

func (s *Schema) HasVariable(name string) bool {
	_, ok := s.varSet[name]
	return ok
}

func (s *Schema) HasFlag(name string) bool {
	_, ok := s.flagSet[name]
	return ok
}

// Variables returns variable names in declaration order.
func (s *Schema) Variables() []string { return append([]string(nil), s.variables...) }

// Flags returns flag names in declaration order.
func (s *Schema) Flags() []string { return append([]string(nil), s.flags...) }
