package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WebhookSubscription declares an endpoint that receives signed event
// deliveries for a project. An empty Events list subscribes to everything.
type WebhookSubscription struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events,omitempty"`
}

// ProjectCredentials holds the per-project secrets that never live in the
// database: the webhook signing secret and transcription provider keys.
type ProjectCredentials struct {
	WebhookSecret    string                `yaml:"webhook_secret"`
	Webhooks         []WebhookSubscription `yaml:"webhooks,omitempty"`
	DeepgramAPIKey   string                `yaml:"deepgram_api_key,omitempty"`
	AssemblyAIAPIKey string                `yaml:"assemblyai_api_key,omitempty"`
}

// PlatformCredentials holds meeting platform SDK credentials used by the
// capture side when joining.
type PlatformCredentials struct {
	SDKKey    string `yaml:"sdk_key"`
	SDKSecret string `yaml:"sdk_secret"`
}

// Credentials is the schema of the YAML file named by CREDENTIALS_PATH.
type Credentials struct {
	Projects  map[string]ProjectCredentials  `yaml:"projects"`
	Platforms map[string]PlatformCredentials `yaml:"platforms,omitempty"`
}

// LoadCredentials parses the credentials file at path. A missing
// CREDENTIALS_PATH is allowed; callers get an empty set.
func LoadCredentials(path string) (*Credentials, error) {
	if path == "" {
		return &Credentials{Projects: map[string]ProjectCredentials{}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", path, err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	if creds.Projects == nil {
		creds.Projects = map[string]ProjectCredentials{}
	}

	for id, project := range creds.Projects {
		for _, hook := range project.Webhooks {
			if hook.URL == "" {
				return nil, fmt.Errorf("project %s has a webhook with no url", id)
			}
			if project.WebhookSecret == "" {
				return nil, fmt.Errorf("project %s declares webhooks but no webhook_secret", id)
			}
		}
	}

	return &creds, nil
}

// Project returns the credentials for a project id.
func (c *Credentials) Project(id string) (ProjectCredentials, bool) {
	p, ok := c.Projects[id]
	return p, ok
}

// WebhookSecret returns the signing secret for a project, or "" when the
// project has none configured.
func (c *Credentials) WebhookSecret(projectID string) string {
	return c.Projects[projectID].WebhookSecret
}
