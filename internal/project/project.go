// Package project scaffolds a new guardian project directory.
package project

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/guardian/internal/config"
	"github.com/mpataki/guardian/internal/guardian"
)

// DefaultCoordinatorName is the guardian created by Init when the team
// has no coordinator yet.
const DefaultCoordinatorName = "sibiji"

var teamSubdirs = []string{"jinxs", "assembly_lines", "sql_models", "jobs"}

// Init creates the team directory skeleton under dir and writes a
// default coordinator descriptor if one does not exist. It returns the
// team directory path.
func Init(dir string, cfg *config.Config) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}

	teamDir := filepath.Join(dir, cfg.ProjectTeamDir)
	if err := os.MkdirAll(teamDir, 0o755); err != nil {
		return "", err
	}
	for _, sub := range teamSubdirs {
		if err := os.MkdirAll(filepath.Join(teamDir, sub), 0o755); err != nil {
			return "", err
		}
	}

	coordinatorPath := filepath.Join(teamDir, DefaultCoordinatorName+".guardian")
	if _, err := os.Stat(coordinatorPath); err == nil {
		return teamDir, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	desc := guardian.Descriptor{
		Name: DefaultCoordinatorName,
		PrimaryDirective: fmt.Sprintf(
			"You are %s, the coordinator of a guardian team. You route requests "+
				"to the right teammate, run jinxs when asked, and answer directly "+
				"when no teammate fits better.", DefaultCoordinatorName),
		Model:    cfg.Defaults.Model,
		Provider: cfg.Defaults.Provider,
		APIURL:   cfg.Defaults.APIURL,
	}
	data, err := yaml.Marshal(desc)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(coordinatorPath, data, 0o644); err != nil {
		return "", err
	}

	return teamDir, nil
}
