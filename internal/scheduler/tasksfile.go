package scheduler

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/common/pathutil"
)

// tasksFile is the YAML shape of an external task definitions file.
type tasksFile struct {
	Tasks []config.TaskConfig `yaml:"tasks"`
}

// LoadTasksFile reads extra task definitions from a YAML file. A missing
// file is not an error; it just contributes no tasks.
func LoadTasksFile(path string) ([]config.TaskConfig, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(pathutil.ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	var f tasksFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tasks file %s: %w", path, err)
	}
	return f.Tasks, nil
}
