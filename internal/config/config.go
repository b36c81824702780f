package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ProfileType selects the remote client a profile connects with
type ProfileType string

const (
	ProfileZosmf ProfileType = "zosmf"
	ProfileS3    ProfileType = "s3"
	ProfileGit   ProfileType = "git"
)

// Config represents the complete hostedit configuration
type Config struct {
	Paths    PathsConfig              `yaml:"paths"`
	Profiles map[string]ProfileConfig `yaml:"profiles"`
	Editor   EditorConfig             `yaml:"editor"`
	Serve    ServeConfig              `yaml:"serve"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	WorkDir  string `yaml:"work_dir"`
	StateDir string `yaml:"state_dir"`
}

// ProfileConfig describes one named connection. Which fields apply depends
// on Type.
type ProfileConfig struct {
	Type ProfileType `yaml:"type"`

	// zosmf
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Protocol           string `yaml:"protocol"`
	BasePath           string `yaml:"base_path"`
	User               string `yaml:"user"`
	PasswordFile       string `yaml:"password_file"`
	RejectUnauthorized *bool  `yaml:"reject_unauthorized"`

	// s3
	Endpoint            string `yaml:"endpoint"`
	Region              string `yaml:"region"`
	Bucket              string `yaml:"bucket"`
	Prefix              string `yaml:"prefix"`
	AccessKeyID         string `yaml:"access_key_id"`
	SecretAccessKeyFile string `yaml:"secret_access_key_file"`
	PathStyle           bool   `yaml:"path_style"`

	// git
	URL            string `yaml:"url"`
	Ref            string `yaml:"ref"`
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`

	// Properties holds loosely typed tuning values; see ProfileProperties.
	Properties map[string]any `yaml:"properties"`
}

// ProfileProperties are the per-profile fetch defaults decoded from the
// free-form properties map.
type ProfileProperties struct {
	Encoding          string  `mapstructure:"encoding"`
	ResponseTimeout   int     `mapstructure:"response_timeout"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// EditorConfig configures the external commands used to present documents
type EditorConfig struct {
	// DiffCommand is an argv template; {left} and {right} are substituted.
	DiffCommand []string `yaml:"diff_command"`
	// MarkCommand is an argv template; {path} is substituted.
	MarkCommand []string `yaml:"mark_command"`
}

// ServeConfig configures the control server
type ServeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	SecretFile string `yaml:"secret_file"`
}

// DefaultPath returns the config file location used when --config is unset
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "hostedit", "config.yaml")
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.WorkDir = os.ExpandEnv(c.Paths.WorkDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	for name, p := range c.Profiles {
		p.Host = os.ExpandEnv(p.Host)
		p.User = os.ExpandEnv(p.User)
		p.PasswordFile = os.ExpandEnv(p.PasswordFile)
		p.Endpoint = os.ExpandEnv(p.Endpoint)
		p.Bucket = os.ExpandEnv(p.Bucket)
		p.AccessKeyID = os.ExpandEnv(p.AccessKeyID)
		p.SecretAccessKeyFile = os.ExpandEnv(p.SecretAccessKeyFile)
		p.URL = os.ExpandEnv(p.URL)
		p.Ref = os.ExpandEnv(p.Ref)
		p.SSHKeyFile = os.ExpandEnv(p.SSHKeyFile)
		p.HTTPSTokenFile = os.ExpandEnv(p.HTTPSTokenFile)
		c.Profiles[name] = p
	}
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.StateDir == "" {
		if home := os.Getenv("HOME"); home != "" {
			c.Paths.StateDir = filepath.Join(home, ".local", "state", "hostedit")
		}
	}
	for name, p := range c.Profiles {
		switch p.Type {
		case ProfileZosmf:
			if p.Protocol == "" {
				p.Protocol = "https"
			}
			if p.BasePath == "" {
				p.BasePath = "/zosmf"
			}
		case ProfileS3:
			if p.Region == "" {
				p.Region = "us-east-1"
			}
		case ProfileGit:
			if p.Ref == "" {
				p.Ref = "main"
			}
		}
		c.Profiles[name] = p
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8791"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}
	if c.Paths.WorkDir != "" && !filepath.IsAbs(c.Paths.WorkDir) {
		return fmt.Errorf("paths.work_dir must be an absolute path: %s", c.Paths.WorkDir)
	}

	if len(c.Profiles) == 0 {
		return fmt.Errorf("at least one profile is required")
	}
	for _, name := range c.ProfileNames() {
		if strings.ContainsAny(name, ":/") {
			return fmt.Errorf("profiles.%s: name must not contain ':' or '/'", name)
		}
		if err := c.Profiles[name].validate(); err != nil {
			return fmt.Errorf("profiles.%s: %w", name, err)
		}
	}

	if len(c.Editor.DiffCommand) > 0 && !containsAll(c.Editor.DiffCommand, "{left}", "{right}") {
		return fmt.Errorf("editor.diff_command must reference both {left} and {right}")
	}
	if len(c.Editor.MarkCommand) > 0 && !containsAll(c.Editor.MarkCommand, "{path}") {
		return fmt.Errorf("editor.mark_command must reference {path}")
	}

	if _, _, err := net.SplitHostPort(c.Serve.ListenAddr); err != nil {
		return fmt.Errorf("serve.listen_addr is invalid: %w", err)
	}

	return nil
}

func (p ProfileConfig) validate() error {
	switch p.Type {
	case ProfileZosmf:
		if p.Host == "" {
			return fmt.Errorf("host is required")
		}
		if p.Protocol != "http" && p.Protocol != "https" {
			return fmt.Errorf("invalid protocol: %s (must be http or https)", p.Protocol)
		}
		if p.Port < 0 || p.Port > 65535 {
			return fmt.Errorf("invalid port: %d", p.Port)
		}
	case ProfileS3:
		if p.Bucket == "" {
			return fmt.Errorf("bucket is required")
		}
		if p.AccessKeyID != "" && p.SecretAccessKeyFile == "" {
			return fmt.Errorf("secret_access_key_file is required when access_key_id is set")
		}
	case ProfileGit:
		if p.URL == "" {
			return fmt.Errorf("url is required")
		}
		if p.SSHKeyFile != "" && p.HTTPSTokenFile != "" {
			return fmt.Errorf("only one of ssh_key_file or https_token_file may be set")
		}
		if p.SSHKeyFile != "" && !p.IsSSH() {
			return fmt.Errorf("ssh_key_file is set but url does not use an SSH scheme (git@ or ssh://)")
		}
		if p.HTTPSTokenFile != "" && !p.IsHTTPS() {
			return fmt.Errorf("https_token_file is set but url does not use HTTPS scheme")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("invalid type: %s (must be zosmf, s3, or git)", p.Type)
	}

	if _, err := p.DecodeProperties(); err != nil {
		return err
	}
	return nil
}

// DecodeProperties decodes the free-form properties map. Unknown keys are
// rejected; numeric strings are accepted for numeric fields.
func (p ProfileConfig) DecodeProperties() (ProfileProperties, error) {
	var props ProfileProperties
	if len(p.Properties) == 0 {
		return props, nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &props,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return props, err
	}
	if err := decoder.Decode(p.Properties); err != nil {
		return props, fmt.Errorf("invalid properties: %w", err)
	}
	if props.ResponseTimeout < 0 {
		return props, fmt.Errorf("invalid properties: response_timeout must not be negative")
	}
	return props, nil
}

// BaseURL returns the z/OSMF base URL of a zosmf profile
func (p ProfileConfig) BaseURL() string {
	host := p.Host
	if p.Port != 0 {
		host = net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	}
	return p.Protocol + "://" + host + "/" + strings.TrimLeft(p.BasePath, "/")
}

// VerifyTLS reports whether server certificates are checked. Defaults to true.
func (p ProfileConfig) VerifyTLS() bool {
	return p.RejectUnauthorized == nil || *p.RejectUnauthorized
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (p ProfileConfig) IsHTTPS() bool {
	return strings.HasPrefix(p.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (p ProfileConfig) IsSSH() bool {
	return strings.HasPrefix(p.URL, "git@") || strings.HasPrefix(p.URL, "ssh://")
}

// ProfileNames returns the configured profile names in sorted order
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile looks up a profile by name
func (c *Config) Profile(name string) (ProfileConfig, error) {
	p, ok := c.Profiles[name]
	if !ok {
		return ProfileConfig{}, fmt.Errorf("unknown profile %q", name)
	}
	return p, nil
}

// StateFilePath returns the path to the open document registry
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "documents.json")
}

// BackingDir returns where the last fetched remote content of open
// documents is kept
func (c *Config) BackingDir() string {
	return filepath.Join(c.Paths.StateDir, "backing")
}

// RepoCacheDir returns the clone directory of a git profile
func (c *Config) RepoCacheDir(profile string) string {
	return filepath.Join(c.Paths.StateDir, "repos", profile)
}

// ReadSecretFile reads a credential file, trimming surrounding whitespace.
// An empty path yields an empty secret.
func ReadSecretFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func containsAll(argv []string, placeholders ...string) bool {
	joined := strings.Join(argv, " ")
	for _, p := range placeholders {
		if !strings.Contains(joined, p) {
			return false
		}
	}
	return true
}
