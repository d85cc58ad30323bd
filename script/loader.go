// Package script implements the Selenium IDE (.side) document loader.
//
// Parsing is total over the Selenium IDE schema: every top-level key the
// format defines is either mapped here or silently ignored. Unknown command
// names inside a test are accepted at this layer — they only fail once the
// command executor tries to dispatch them.
package script

import (
	"encoding/json"
	"fmt"

	"github.com/pithecene-io/corral/types"
)

// rawDocument mirrors the on-wire Selenium IDE schema: objects of the shape
// `{id, name, url, tests[], suites[]}`.
type rawDocument struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	URL    string     `json:"url"`
	Tests  []rawTest  `json:"tests"`
	Suites []rawSuite `json:"suites"`
}

type rawTest struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Commands []types.Command  `json:"commands"`
}

type rawSuite struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Tests          []string `json:"tests"`
	PersistSession bool     `json:"persistSession"`
	Parallel       bool     `json:"parallel"`
	TimeoutSeconds *int     `json:"timeout"`
}

// Load parses a JSON document (already template-rendered) into a Project.
// Fails with types.ErrMalformedScript on structural errors (bad JSON, missing
// ids) and types.ErrInvalidReference when a suite cites an unknown test id.
func Load(raw []byte) (*types.Project, error) {
	var doc rawDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, types.NewError(types.ErrMalformedScript, "load", "", err)
	}

	if doc.ID == "" {
		return nil, types.NewError(types.ErrMalformedScript, "load", "", fmt.Errorf("missing project id"))
	}

	tests := make(map[string]types.Test, len(doc.Tests))
	for _, t := range doc.Tests {
		if t.ID == "" {
			return nil, types.NewError(types.ErrMalformedScript, "load", doc.ID, fmt.Errorf("test missing id"))
		}
		if _, dup := tests[t.ID]; dup {
			return nil, types.NewError(types.ErrMalformedScript, "load", doc.ID, fmt.Errorf("duplicate test id %q", t.ID))
		}
		tests[t.ID] = types.Test{
			ID:       t.ID,
			Name:     t.Name,
			Commands: t.Commands,
		}
	}

	suites := make([]types.Suite, 0, len(doc.Suites))
	for _, s := range doc.Suites {
		if s.ID == "" {
			return nil, types.NewError(types.ErrMalformedScript, "load", doc.ID, fmt.Errorf("suite missing id"))
		}
		suites = append(suites, types.Suite{
			ID:             s.ID,
			Name:           s.Name,
			TestIDs:        s.Tests,
			PersistSession: s.PersistSession,
			Parallel:       s.Parallel,
			TimeoutSeconds: s.TimeoutSeconds,
		})
	}

	project := &types.Project{
		ID:     doc.ID,
		Name:   doc.Name,
		URL:    doc.URL,
		Tests:  tests,
		Suites: suites,
	}

	if err := project.Validate(); err != nil {
		return project, err
	}

	return project, nil
}
