package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tailscale/hujson"
)

// Labels is the device labels file structure.
type Labels struct {
	Labels  map[string]string `json:"labels"`
	Special []string          `json:"special"`
}

// LoadLabels reads and validates a HuJSON device labels file.
func LoadLabels(path string) (*Labels, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device labels file: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to standardize HuJSON: %w", err)
	}

	var labels Labels
	if err := json.Unmarshal(standardized, &labels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device labels: %w", err)
	}

	for id, name := range labels.Labels {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("label %q has no device id", name)
		}
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("device %s has an empty label", id)
		}
	}

	seen := make(map[string]struct{}, len(labels.Special))
	for i, id := range labels.Special {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("special device %d has no id", i)
		}
		if _, exists := seen[id]; exists {
			return nil, fmt.Errorf("duplicate special device %q", id)
		}
		seen[id] = struct{}{}
	}

	return &labels, nil
}

// Options turns the labels file into catalog options.
func (l *Labels) Options() []Option {
	if l == nil {
		return nil
	}
	opts := []Option{WithLabels(l.Labels)}
	if len(l.Special) > 0 {
		opts = append(opts, WithSpecial(l.Special...))
	}
	return opts
}
