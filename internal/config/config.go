// Package config owns the on-disk registry of remote servers: the typed
// data model, per-field validation, and the YAML store with merge-save
// semantics.
package config

import (
	"fmt"
	"strings"
)

const (
	// ConnectionSSH is a direct (or jump-host-less) SSH connection.
	ConnectionSSH = "ssh"
	// ConnectionRelay goes through the interactive relay CLI, optionally
	// followed by a jump host.
	ConnectionRelay = "relay"

	// DefaultPort is used when a server record does not set one.
	DefaultPort = 22

	// SessionSuffix is appended to the server name to form the pane
	// session name owned by this process.
	SessionSuffix = "_session"

	// ExampleServerName is the placeholder entry seeded on first run.
	ExampleServerName = "example-server"
)

// Registry is the top-level document stored in config.yaml.
type Registry struct {
	Servers        map[string]*ServerConfig `yaml:"servers"`
	GlobalSettings map[string]interface{}   `yaml:"global_settings,omitempty"`
}

// NewRegistry returns an empty registry with a non-nil servers map.
func NewRegistry() *Registry {
	return &Registry{Servers: map[string]*ServerConfig{}}
}

// ServerConfig is one registered remote server.
type ServerConfig struct {
	Name           string          `yaml:"name"`
	Host           string          `yaml:"host"`
	Username       string          `yaml:"username"`
	Port           int             `yaml:"port"`
	ConnectionType string          `yaml:"connection_type"`
	JumpHost       *JumpHostConfig `yaml:"jump_host,omitempty"`
	Password       string          `yaml:"password,omitempty"`
	Description    string          `yaml:"description,omitempty"`
	Docker         *DockerConfig   `yaml:"docker,omitempty"`
	Sync           *SyncConfig     `yaml:"sync,omitempty"`
	BOS            *BOSConfig      `yaml:"bos,omitempty"`
	Session        *SessionConfig  `yaml:"session,omitempty"`
}

// JumpHostConfig is an intermediate SSH hop used by relay connections.
type JumpHostConfig struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password,omitempty"`
}

// DockerConfig describes the container to enter (or create) on the target.
type DockerConfig struct {
	ContainerName string   `yaml:"container_name"`
	Image         string   `yaml:"image,omitempty"`
	AutoCreate    bool     `yaml:"auto_create"`
	Ports         []string `yaml:"ports,omitempty"`
	Volumes       []string `yaml:"volumes,omitempty"`
	Shell         string   `yaml:"shell,omitempty"` // bash | zsh
	RunOptions    string   `yaml:"run_options,omitempty"`
}

// SyncConfig describes the in-container FTP server deployment and the
// matching local SFTP client config.
type SyncConfig struct {
	Enabled         bool     `yaml:"enabled"`
	RemoteWorkspace string   `yaml:"remote_workspace,omitempty"`
	LocalWorkspace  string   `yaml:"local_workspace,omitempty"`
	FTPPort         int      `yaml:"ftp_port,omitempty"`
	FTPUser         string   `yaml:"ftp_user,omitempty"`
	FTPPassword     string   `yaml:"ftp_password,omitempty"`
	IncludePatterns []string `yaml:"include_patterns,omitempty"`
	ExcludePatterns []string `yaml:"exclude_patterns,omitempty"`
}

// BOSConfig is opaque object-storage credentials passed through to scripts.
type BOSConfig struct {
	AccessKey  string `yaml:"access_key,omitempty"`
	SecretKey  string `yaml:"secret_key,omitempty"`
	Bucket     string `yaml:"bucket,omitempty"`
	ConfigPath string `yaml:"config_path,omitempty"`
}

// SessionConfig is derived session metadata.
type SessionConfig struct {
	Name             string `yaml:"name,omitempty"`
	WorkingDirectory string `yaml:"working_directory,omitempty"`
	Shell            string `yaml:"shell,omitempty"`
}

// SessionName returns the pane session name owned by this process for
// the server.
func (c *ServerConfig) SessionName() string {
	return c.Name + SessionSuffix
}

// Normalize fills defaults in place. It does not validate.
func (c *ServerConfig) Normalize() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnectionType == "" {
		c.ConnectionType = ConnectionSSH
	}
	c.ConnectionType = strings.ToLower(c.ConnectionType)
	if c.Session == nil {
		c.Session = &SessionConfig{}
	}
	if c.Session.Name == "" {
		c.Session.Name = c.SessionName()
	}
}

// Validate checks the record against the data-model rules.
func (c *ServerConfig) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if err := ValidateHost(c.Host); err != nil {
		return err
	}
	if err := ValidateUsername(c.Username); err != nil {
		return err
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}
	if _, err := ValidateConnectionType(c.ConnectionType); err != nil {
		return err
	}
	return nil
}

// Redacted returns a deep copy with every secret replaced by a mask, for
// display in tool results and logs.
func (c *ServerConfig) Redacted() *ServerConfig {
	out := *c
	if out.Password != "" {
		out.Password = Mask
	}
	if c.JumpHost != nil {
		jh := *c.JumpHost
		if jh.Password != "" {
			jh.Password = Mask
		}
		out.JumpHost = &jh
	}
	if c.Docker != nil {
		d := *c.Docker
		out.Docker = &d
	}
	if c.Sync != nil {
		sc := *c.Sync
		if sc.FTPPassword != "" {
			sc.FTPPassword = Mask
		}
		out.Sync = &sc
	}
	if c.BOS != nil {
		b := *c.BOS
		if b.SecretKey != "" {
			b.SecretKey = Mask
		}
		out.BOS = &b
	}
	if c.Session != nil {
		s := *c.Session
		out.Session = &s
	}
	return &out
}

// Mask replaces secret values in redacted output.
const Mask = "******"

// ExampleServer is the placeholder record seeded on first run. Its name
// distinguishes it from user data.
func ExampleServer() *ServerConfig {
	cfg := &ServerConfig{
		Name:           ExampleServerName,
		Host:           "192.168.1.100",
		Username:       "your-username",
		Port:           DefaultPort,
		ConnectionType: ConnectionSSH,
		Description:    "Example server - replace with your own",
	}
	cfg.Normalize()
	return cfg
}
