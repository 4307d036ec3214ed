package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Mail pool defaults.
const (
	DefaultBatchSize     = 10
	DefaultDelayPerBatch = 1250 // milliseconds
)

// Settings is the newsletter configuration file.
type Settings struct {
	Ghosler    Ghosler    `yaml:"ghosler"`
	Ghost      Ghost      `yaml:"ghost"`
	Mail       []Mail     `yaml:"mail"`
	Newsletter Newsletter `yaml:"newsletter"`
}

// Ghosler describes this deployment.
type Ghosler struct {
	URL  string `yaml:"url"`  // public base URL, used for tracking endpoints
	Auth Auth   `yaml:"auth"` // basic auth for the admin routes
}

// Ghost holds the CMS connection.
type Ghost struct {
	URL    string `yaml:"url"`
	Key    string `yaml:"key"`    // admin API key, "id:hexsecret"
	Secret string `yaml:"secret"` // webhook signing secret, optional
}

// Auth holds a user and password pair.
type Auth struct {
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
}

// Mail is one credential pool.
type Mail struct {
	Provider      string `yaml:"provider"` // smtp, gmail, brevo, resend or mock
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Secure        *bool  `yaml:"secure"`
	Auth          *Auth  `yaml:"auth"`
	APIKey        string `yaml:"api_key"`
	From          string `yaml:"from"`
	ReplyTo       string `yaml:"reply_to"`
	BatchSize     int    `yaml:"batch_size"`
	DelayPerBatch *int   `yaml:"delay_per_batch"` // milliseconds
}

// IsSecure reports whether the SMTP connection uses implicit TLS. Defaults to true.
func (m Mail) IsSecure() bool {
	return m.Secure == nil || *m.Secure
}

// Batch returns the batch size, defaulting to 10.
func (m Mail) Batch() int {
	if m.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return m.BatchSize
}

// Delay returns the pause between batches, defaulting to 1250ms.
func (m Mail) Delay() time.Duration {
	if m.DelayPerBatch == nil || *m.DelayPerBatch < 0 {
		return DefaultDelayPerBatch * time.Millisecond
	}
	return time.Duration(*m.DelayPerBatch) * time.Millisecond
}

// Newsletter holds the email customisation flags.
type Newsletter struct {
	TrackLinks           bool   `yaml:"track_links"`
	CenterTitle          bool   `yaml:"center_title"`
	ShowFeedback         bool   `yaml:"show_feedback"`
	ShowComments         bool   `yaml:"show_comments"`
	ShowLatestPosts      bool   `yaml:"show_latest_posts"`
	ShowSubscription     bool   `yaml:"show_subscription"`
	ShowFeaturedImage    bool   `yaml:"show_featured_image"`
	ShowPoweredByGhost   bool   `yaml:"show_powered_by_ghost"`
	ShowPoweredByGhosler bool   `yaml:"show_powered_by_ghosler"`
	FooterContent        string `yaml:"footer_content"` // markdown
	CustomSubjectPattern string `yaml:"custom_subject_pattern"`
}

func defaultSettings() *Settings {
	return &Settings{
		Newsletter: Newsletter{
			TrackLinks:           true,
			ShowFeedback:         true,
			ShowComments:         true,
			ShowFeaturedImage:    true,
			ShowPoweredByGhost:   true,
			ShowPoweredByGhosler: true,
		},
	}
}

// ParseSettings decodes a settings document. Environment references like ${SMTP_PASS} are expanded
// first. JSON documents are accepted as well.
func ParseSettings(data []byte) (*Settings, error) {
	s := defaultSettings()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	s.Ghosler.URL = strings.TrimRight(s.Ghosler.URL, "/")
	for i := range s.Mail {
		if s.Mail[i].Provider == "" {
			s.Mail[i].Provider = "smtp"
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadSettings reads and parses a settings file.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	return ParseSettings(data)
}

// Validate checks the fields every send depends on.
func (s *Settings) Validate() error {
	var errs []error
	if s.Ghosler.URL == "" {
		errs = append(errs, errors.New("ghosler.url is required"))
	}
	if s.Ghost.URL == "" {
		errs = append(errs, errors.New("ghost.url is required"))
	}
	if id, secret, ok := strings.Cut(s.Ghost.Key, ":"); !ok || id == "" || secret == "" {
		errs = append(errs, errors.New("ghost.key must be in id:secret form"))
	}
	if len(s.Mail) == 0 {
		errs = append(errs, errors.New("at least one mail configuration is required"))
	}
	for i, m := range s.Mail {
		switch m.Provider {
		case "smtp":
			if m.Host == "" || m.Port == 0 {
				errs = append(errs, fmt.Errorf("mail[%d]: smtp host and port are required", i))
			}
		case "brevo", "resend":
			if m.APIKey == "" {
				errs = append(errs, fmt.Errorf("mail[%d]: api_key is required for %s", i, m.Provider))
			}
		case "gmail", "mock":
		default:
			errs = append(errs, fmt.Errorf("mail[%d]: unknown provider %q", i, m.Provider))
		}
		if m.Provider != "mock" && m.Provider != "gmail" && m.From == "" {
			errs = append(errs, fmt.Errorf("mail[%d]: from is required", i))
		}
	}
	return errors.Join(errs...)
}

// Provider holds the current settings and reloads them on demand.
type Provider struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Settings]
}

// NewProvider loads the settings file once and returns a provider for it.
func NewProvider(path string, logger *slog.Logger) (*Provider, error) {
	s, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	p := &Provider{path: path, logger: logger}
	p.current.Store(s)
	return p, nil
}

// Static returns a provider serving fixed settings. Reload is a no-op.
func Static(s *Settings) *Provider {
	p := &Provider{}
	p.current.Store(s)
	return p
}

// Settings returns the current snapshot. Callers must not mutate it.
func (p *Provider) Settings() *Settings {
	return p.current.Load()
}

// Reload re-reads the settings file. An invalid file leaves the previous snapshot in place.
func (p *Provider) Reload() error {
	if p.path == "" {
		return nil
	}
	s, err := LoadSettings(p.path)
	if err != nil {
		return fmt.Errorf("reload settings: %w", err)
	}
	p.current.Store(s)
	if p.logger != nil {
		p.logger.Info("Settings reloaded", "path", p.path, "mail_pools", len(s.Mail))
	}
	return nil
}
