package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ManifestKind is the only kind a manifest may declare
const ManifestKind = "ReplicationRuleSet"

// Manifest lists the bucket pairs to monitor
type Manifest struct {
	APIVersion string     `json:"apiVersion,omitempty" yaml:"apiVersion,omitempty"`
	Kind       string     `json:"kind,omitempty" yaml:"kind,omitempty"`
	Rules      []RuleSpec `json:"rules" yaml:"rules"`
}

// ParseManifest decodes a manifest. Documents starting with a brace or a
// comment are read as JSONC (JSON with comments and trailing commas);
// anything else is parsed as YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	head := strings.TrimSpace(string(data))
	if strings.HasPrefix(head, "{") || strings.HasPrefix(head, "//") || strings.HasPrefix(head, "/*") {
		if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
			return nil, fmt.Errorf("parsing manifest: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	if m.Kind != "" && m.Kind != ManifestKind {
		return nil, fmt.Errorf("unsupported manifest kind %q", m.Kind)
	}
	return &m, nil
}

// ReadManifest reads and parses a manifest file
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return m, nil
}

// Sync registers every rule in the manifest. Rules that omit the SLA use
// defaultSLA. Processing stops at the first store error or when ctx is
// cancelled; rejected rules do not stop the sync.
func (a *Agent) Sync(ctx context.Context, m *Manifest, defaultSLA time.Duration) ([]Result, error) {
	results := make([]Result, 0, len(m.Rules))
	for _, spec := range m.Rules {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if spec.SLAWindowSeconds == 0 {
			spec.SLAWindowSeconds = int64(defaultSLA / time.Second)
		}
		res, err := a.RegisterRule(ctx, spec)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}
