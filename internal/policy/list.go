package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Info summarizes a policy file on disk.
type Info struct {
	Name    string         `json:"name"`
	Path    string         `json:"path"`
	Version string         `json:"version,omitempty"`
	Rules   int            `json:"rules_count"`
	Actions map[Action]int `json:"actions,omitempty"`
	Active  bool           `json:"active"`
	Error   string         `json:"error,omitempty"`
}

// List describes the JSON and YAML policy files in dir, sorted by name.
// Files that fail to load are listed with Error set. A missing directory
// yields an empty list. active marks the policy currently in use.
func List(dir, active string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Info{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory: %w", err)
	}

	activeAbs, _ := filepath.Abs(active)
	out := []Info{}
	for _, e := range entries {
		if e.IsDir() || !isPolicyFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		abs, _ := filepath.Abs(path)
		info := Info{Name: e.Name(), Path: path, Active: active != "" && abs == activeAbs}

		p, err := Load(path)
		if err != nil {
			info.Error = err.Error()
		} else {
			info.Version = p.Version
			info.Rules = len(p.Rules)
			info.Actions = p.CountByAction()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func isPolicyFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
