package assistant

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile describes one assistant type offered by the console: its storage
// namespace, welcome text and backend endpoints.
type Profile struct {
	Type        string        `yaml:"type"`
	Title       string        `yaml:"title"`
	Welcome     string        `yaml:"welcome"`
	Mode        string        `yaml:"mode"`
	ChatURL     string        `yaml:"chat_url"`
	FeedbackURL string        `yaml:"feedback_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
}

type profileFile struct {
	Assistants []Profile `yaml:"assistants"`
}

var profileTypePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// ClientConfig derives the client configuration of the profile.
func (p Profile) ClientConfig() Config {
	return Config{
		Mode:        p.Mode,
		ChatURL:     p.ChatURL,
		FeedbackURL: p.FeedbackURL,
		APIKey:      p.APIKey,
		Timeout:     p.Timeout,
	}
}

// DefaultProfile is used when no profile file is configured.
func DefaultProfile(mode, chatURL, feedbackURL string) Profile {
	return Profile{
		Type:        "ops",
		Title:       "Operations assistant",
		Welcome:     "Hello! I'm your operations assistant. Ask me about dashboards, users or permissions.",
		Mode:        mode,
		ChatURL:     chatURL,
		FeedbackURL: feedbackURL,
	}
}

// LoadProfiles reads assistant profiles from a YAML file. Environment
// references such as ${CHAT_API_KEY} are expanded.
func LoadProfiles(path string) ([]Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read assistant profiles: %w", err)
	}
	return ParseProfiles([]byte(os.ExpandEnv(string(raw))))
}

// ParseProfiles decodes and validates a YAML profile document.
func ParseProfiles(raw []byte) ([]Profile, error) {
	var doc profileFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse assistant profiles: %w", err)
	}
	if len(doc.Assistants) == 0 {
		return nil, fmt.Errorf("assistant profiles: no assistants defined")
	}
	seen := make(map[string]struct{}, len(doc.Assistants))
	for i := range doc.Assistants {
		p := &doc.Assistants[i]
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
		if !profileTypePattern.MatchString(p.Type) {
			return nil, fmt.Errorf("assistant profiles: invalid type %q", p.Type)
		}
		if _, dup := seen[p.Type]; dup {
			return nil, fmt.Errorf("assistant profiles: duplicate type %q", p.Type)
		}
		seen[p.Type] = struct{}{}
		if strings.TrimSpace(p.Title) == "" {
			p.Title = p.Type
		}
	}
	return doc.Assistants, nil
}
