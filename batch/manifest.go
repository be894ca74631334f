package batch

import (
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/errors"
)

// OntologyRef points at the ontology a batch extracts against. The URI
// doubles as the registry scope for cross-batch resolution.
type OntologyRef struct {
	URI     string `yaml:"uri" json:"uri"`
	Version string `yaml:"version" json:"version"`
}

// DocumentRef identifies one input document and where to read it. Source
// is an object-store key or URL; ContentType is an optional hint for
// preprocessing.
type DocumentRef struct {
	ID          string `yaml:"id" json:"id"`
	Source      string `yaml:"source" json:"source"`
	ContentType string `yaml:"content_type,omitempty" json:"content_type,omitempty"`
}

// ValidationPolicy overrides the configured validation behavior for one
// batch. Nil fields inherit the config default.
type ValidationPolicy struct {
	FailOnViolation *bool `yaml:"fail_on_violation,omitempty" json:"fail_on_violation,omitempty"`
	FailOnWarning   *bool `yaml:"fail_on_warning,omitempty" json:"fail_on_warning,omitempty"`
}

// BatchManifest describes one batch submission: the ontology to extract
// against, the namespace minted IRIs live under, the SHACL shapes to
// validate with, and the documents to process. Immutable once loaded.
type BatchManifest struct {
	Ontology        OntologyRef       `yaml:"ontology" json:"ontology"`
	TargetNamespace string            `yaml:"target_namespace" json:"target_namespace"`
	SHACLURI        string            `yaml:"shacl_uri,omitempty" json:"shacl_uri,omitempty"`
	Validation      *ValidationPolicy `yaml:"validation,omitempty" json:"validation,omitempty"`
	Documents       []DocumentRef     `yaml:"documents" json:"documents"`
}

// LoadManifest reads and validates a YAML manifest file.
func LoadManifest(path string) (*BatchManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read manifest %s", path)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, errors.Wrapf(err, "manifest %s", path)
	}
	return m, nil
}

// ParseManifest parses and validates manifest YAML.
func ParseManifest(data []byte) (*BatchManifest, error) {
	var m BatchManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "failed to parse manifest YAML")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks structural requirements: a semver ontology version, an
// IRI-safe target namespace, and a non-empty, duplicate-free document
// list.
func (m *BatchManifest) Validate() error {
	if m.Ontology.URI == "" {
		return errors.New("manifest missing ontology.uri")
	}
	if m.Ontology.Version == "" {
		return errors.New("manifest missing ontology.version")
	}
	if _, err := semver.NewVersion(m.Ontology.Version); err != nil {
		return errors.Wrapf(err, "invalid ontology version %q", m.Ontology.Version)
	}
	if m.TargetNamespace == "" {
		return errors.New("manifest missing target_namespace")
	}
	if !strings.HasSuffix(m.TargetNamespace, "/") && !strings.HasSuffix(m.TargetNamespace, "#") {
		return errors.Newf("target namespace %q must end with / or #", m.TargetNamespace)
	}
	if len(m.Documents) == 0 {
		return errors.New("manifest has no documents")
	}
	seen := make(map[string]struct{}, len(m.Documents))
	for i, d := range m.Documents {
		if d.ID == "" {
			return errors.Newf("document %d missing id", i)
		}
		if d.Source == "" {
			return errors.Newf("document %q missing source", d.ID)
		}
		if _, dup := seen[d.ID]; dup {
			return errors.Newf("duplicate document id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}

// DocumentIDs returns the manifest's document ids in input order.
func (m *BatchManifest) DocumentIDs() []string {
	ids := make([]string, len(m.Documents))
	for i, d := range m.Documents {
		ids[i] = d.ID
	}
	return ids
}

// EffectivePolicy resolves the manifest's validation override against the
// configured defaults.
func (m *BatchManifest) EffectivePolicy(defaults config.ValidationConfig) config.ValidationConfig {
	out := defaults
	if m.Validation == nil {
		return out
	}
	if m.Validation.FailOnViolation != nil {
		out.FailOnViolation = *m.Validation.FailOnViolation
	}
	if m.Validation.FailOnWarning != nil {
		out.FailOnWarning = *m.Validation.FailOnWarning
	}
	return out
}
