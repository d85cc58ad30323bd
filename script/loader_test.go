package script

import (
	"errors"
	"testing"

	"github.com/pithecene-io/corral/types"
)

const validDoc = `{
	"id": "login",
	"name": "Login",
	"url": "https://example.test/",
	"tests": [
		{
			"id": "t1",
			"name": "Default",
			"commands": [
				{"id": "c1", "command": "open", "target": "https://example.test/", "value": ""},
				{"id": "c2", "command": "type", "target": "id=u", "value": "alice"},
				{"id": "c3", "command": "click", "target": "id=go", "value": ""}
			]
		}
	],
	"suites": [
		{"id": "s1", "name": "Default", "tests": ["t1"], "persistSession": false, "parallel": false}
	]
}`

func TestLoadHappyPath(t *testing.T) {
	project, err := Load([]byte(validDoc))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if project.ID != "login" {
		t.Errorf("ID = %q, want %q", project.ID, "login")
	}
	if len(project.Suites) != 1 {
		t.Fatalf("Suites = %d, want 1", len(project.Suites))
	}
	test, ok := project.Tests["t1"]
	if !ok {
		t.Fatalf("test t1 missing")
	}
	if len(test.Commands) != 3 {
		t.Errorf("Commands = %d, want 3", len(test.Commands))
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	_, err := Load([]byte("{not json"))
	if !errors.Is(err, types.ErrMalformedScript) {
		t.Errorf("err = %v, want ErrMalformedScript", err)
	}
}

func TestLoadMissingProjectID(t *testing.T) {
	_, err := Load([]byte(`{"name":"x","suites":[{"id":"s1","name":"s","tests":[]}]}`))
	if !errors.Is(err, types.ErrMalformedScript) {
		t.Errorf("err = %v, want ErrMalformedScript", err)
	}
}

func TestLoadNoSuites(t *testing.T) {
	_, err := Load([]byte(`{"id":"p1","name":"x","tests":[],"suites":[]}`))
	if !errors.Is(err, types.ErrMalformedScript) {
		t.Errorf("err = %v, want ErrMalformedScript", err)
	}
}

func TestLoadInvalidReference(t *testing.T) {
	doc := `{
		"id": "p1",
		"name": "x",
		"tests": [{"id": "t1", "name": "A", "commands": []}],
		"suites": [{"id": "s1", "name": "Default", "tests": ["missing"]}]
	}`
	_, err := Load([]byte(doc))
	if !errors.Is(err, types.ErrInvalidReference) {
		t.Errorf("err = %v, want ErrInvalidReference", err)
	}
}

func TestLoadDuplicateTestID(t *testing.T) {
	doc := `{
		"id": "p1",
		"name": "x",
		"tests": [
			{"id": "t1", "name": "A", "commands": []},
			{"id": "t1", "name": "B", "commands": []}
		],
		"suites": [{"id": "s1", "name": "Default", "tests": ["t1"]}]
	}`
	_, err := Load([]byte(doc))
	if !errors.Is(err, types.ErrMalformedScript) {
		t.Errorf("err = %v, want ErrMalformedScript", err)
	}
}

func TestLoadUnknownCommandPassesThrough(t *testing.T) {
	doc := `{
		"id": "p1",
		"name": "x",
		"tests": [{"id": "t1", "name": "A", "commands": [{"id":"c1","command":"frobnicate","target":"","value":""}]}],
		"suites": [{"id": "s1", "name": "Default", "tests": ["t1"]}]
	}`
	project, err := Load([]byte(doc))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if project.Tests["t1"].Commands[0].Command != "frobnicate" {
		t.Errorf("unknown command should pass through unchanged")
	}
}

func TestTestByNameCaseSensitive(t *testing.T) {
	project, err := Load([]byte(validDoc))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := project.TestByName("default"); ok {
		t.Errorf("TestByName should be case-sensitive")
	}
	if _, ok := project.TestByName("Default"); !ok {
		t.Errorf("TestByName(%q) should resolve", "Default")
	}
}
