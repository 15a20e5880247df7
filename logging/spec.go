package logging

import (
	"fmt"
	"sort"
	"strings"
)

// Spec represents a logging specification with a base level and optional
// per-component overrides.
//
// Format: "<base-level>[,<component>=<level>]..."
//
// Examples:
//   - "info" - base level info
//   - "warn,manager=debug" - base warn, manager at debug
//   - "info,server=debug,server.http=warn" - server components at debug
//     except the HTTP surface
//
// Component names are dot separated. A component without its own entry
// inherits the level of its nearest configured parent.
type Spec struct {
	// BaseLevel is the default level for all components.
	BaseLevel Level
	// Components maps component names to their specific levels.
	Components map[string]Level
}

// ParseSpec parses a log specification string.
// An empty string defaults to info level with no component overrides.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{
		BaseLevel:  LevelInfo,
		Components: make(map[string]Level),
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return spec, nil
	}

	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		component, levelStr, isPair := strings.Cut(part, "=")
		if !isPair {
			if i != 0 {
				return spec, fmt.Errorf("base level %q must be first in spec", part)
			}
			level, err := ParseLevel(part)
			if err != nil {
				return spec, err
			}
			spec.BaseLevel = level
			continue
		}

		component = strings.TrimSpace(component)
		if component == "" {
			return spec, fmt.Errorf("empty component name in %q", part)
		}
		level, err := ParseLevel(levelStr)
		if err != nil {
			return spec, fmt.Errorf("invalid level for component %q: %w", component, err)
		}
		spec.Components[component] = level
	}

	return spec, nil
}

// LevelFor returns the effective level for a component: its own level,
// else that of the closest dotted parent, else the base level.
func (s *Spec) LevelFor(component string) Level {
	for component != "" {
		if level, ok := s.Components[component]; ok {
			return level
		}
		i := strings.LastIndexByte(component, '.')
		if i < 0 {
			break
		}
		component = component[:i]
	}
	return s.BaseLevel
}

// String returns the spec as a parseable string with components in
// sorted order.
func (s Spec) String() string {
	names := make([]string, 0, len(s.Components))
	for component := range s.Components {
		names = append(names, component)
	}
	sort.Strings(names)

	parts := []string{s.BaseLevel.String()}
	for _, component := range names {
		parts = append(parts, component+"="+s.Components[component].String())
	}
	return strings.Join(parts, ",")
}
