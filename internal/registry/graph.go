package registry

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// ValidateGraph reports the first dependency cycle in flags, keyed by flag key.
// Dependencies on keys that are not in the graph are allowed: they evaluate as
// disabled and therefore as an unmet dependency.
func ValidateGraph(flags map[string]*ruleengine.FeatureFlag) error {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, len(flags))
	var path []string

	var visit func(key string) error
	visit = func(key string) error {
		switch state[key] {
		case done:
			return nil
		case visiting:
			start := slices.Index(path, key)
			cycle := append(slices.Clone(path[start:]), key)
			return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, " -> "))
		}

		flag, ok := flags[key]
		if !ok {
			state[key] = done
			return nil
		}

		state[key] = visiting
		path = append(path, key)
		for _, dep := range flag.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[key] = done
		return nil
	}

	// Sorted so the reported cycle is stable.
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		if err := visit(k); err != nil {
			return err
		}
	}
	return nil
}
