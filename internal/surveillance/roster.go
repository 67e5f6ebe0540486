package surveillance

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/reunite/internal/model"
)

// Roster is the on-disk list of cameras to poll.
type Roster struct {
	Cameras []model.Camera `yaml:"cameras"`
}

// LoadRoster reads a YAML camera roster from path.
func LoadRoster(path string) ([]model.Camera, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "surveillance: read roster %s", path)
	}
	return ParseRoster(data)
}

// ParseRoster decodes and validates a YAML camera roster.
func ParseRoster(data []byte) ([]model.Camera, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrap(err, "surveillance: parse roster")
	}

	seen := make(map[string]bool, len(r.Cameras))
	for i := range r.Cameras {
		cam := &r.Cameras[i]
		cam.ID = strings.TrimSpace(cam.ID)
		cam.Location = strings.TrimSpace(cam.Location)
		if cam.ID == "" {
			return nil, eris.Errorf("surveillance: roster entry %d has no id", i)
		}
		if seen[cam.ID] {
			return nil, eris.Errorf("surveillance: duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = true
	}
	return r.Cameras, nil
}
