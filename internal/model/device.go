package model

import "github.com/google/uuid"

type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
	AuthAgent    AuthMethod = "agent"
)

type HostKeyMode string

const (
	HostKeyKnownHosts HostKeyMode = "known_hosts"
	HostKeyInsecure   HostKeyMode = "insecure"
)

type AuthConfig struct {
	Method   AuthMethod `json:"method" yaml:"method"`
	KeyPath  string     `json:"keyPath,omitempty" yaml:"keyPath,omitempty"`   // when method=key
	Password string     `json:"password,omitempty" yaml:"password,omitempty"` // when method=password (stored in config)
}

type HostKeyConfig struct {
	Mode HostKeyMode `json:"mode,omitempty" yaml:"mode,omitempty"` // known_hosts / insecure
}

type ConnectionDriver string

const (
	// DriverSSH reaches the console through a console server over SSH.
	DriverSSH ConnectionDriver = "ssh"
	// DriverProcess runs a local program (picocom, socat, virsh console...) on a PTY.
	DriverProcess ConnectionDriver = "process"
)

type ProcessConfig struct {
	// Path to the console program, e.g. /usr/bin/picocom.
	Path string `json:"path" yaml:"path"`

	// Args are passed as-is (no shell).
	// Placeholders supported:
	// {host} {port} {user} {name} {id}
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Optional working directory for the process.
	WorkDir string `json:"workDir,omitempty" yaml:"workDir,omitempty"`

	// Optional extra environment variables (merged with the current environment).
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// LoginConfig describes the shell login on the device console. Patterns are
// matched literally.
type LoginConfig struct {
	Username        string `json:"username" yaml:"username"`
	Password        string `json:"password,omitempty" yaml:"password,omitempty"`
	LoginPattern    string `json:"loginPattern,omitempty" yaml:"loginPattern,omitempty"`
	PasswordPattern string `json:"passwordPattern,omitempty" yaml:"passwordPattern,omitempty"`
	Prompt          string `json:"prompt" yaml:"prompt"`

	// SetPrompt, when non-empty, replaces PS1 right after login so later
	// commands wait on a prompt that doesn't depend on the working directory.
	SetPrompt string `json:"setPrompt,omitempty" yaml:"setPrompt,omitempty"`

	Rows int `json:"rows,omitempty" yaml:"rows,omitempty"`
	Cols int `json:"cols,omitempty" yaml:"cols,omitempty"`

	// KeepTrailingPrompt disables dropping the last output line as a prompt fragment.
	KeepTrailingPrompt bool `json:"keepTrailingPrompt,omitempty" yaml:"keepTrailingPrompt,omitempty"`
}

// PowerConfig holds shell commands run locally to switch the device.
type PowerConfig struct {
	On  string `json:"on" yaml:"on"`
	Off string `json:"off" yaml:"off"`
}

// StorageConfig describes where disk images are provisioned. The storage host
// is reached over SSH/SFTP with the device's Auth settings unless User is set.
type StorageConfig struct {
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port,omitempty" yaml:"port,omitempty"`
	User       string `json:"user,omitempty" yaml:"user,omitempty"`
	RemotePath string `json:"remotePath" yaml:"remotePath"`

	// DUTCommand attaches the provisioned storage to the device under test.
	DUTCommand string `json:"dutCommand,omitempty" yaml:"dutCommand,omitempty"`
}

type Device struct {
	ID   int    `json:"id" yaml:"id"`
	UID  string `json:"uid,omitempty" yaml:"uid,omitempty"`
	Name string `json:"name" yaml:"name"`

	// Console server coordinates (DriverSSH) or placeholders (DriverProcess).
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`
	User string `json:"user,omitempty" yaml:"user,omitempty"`

	// Connection driver for this device. Defaults to "ssh".
	Driver ConnectionDriver `json:"driver,omitempty" yaml:"driver,omitempty"`

	Auth    AuthConfig    `json:"auth" yaml:"auth"`
	HostKey HostKeyConfig `json:"hostKey" yaml:"hostKey"`

	Process *ProcessConfig `json:"process,omitempty" yaml:"process,omitempty"`

	Login   LoginConfig    `json:"login" yaml:"login"`
	Power   *PowerConfig   `json:"power,omitempty" yaml:"power,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty" yaml:"storage,omitempty"`
}

type AppConfig struct {
	Version int      `json:"version" yaml:"version"`
	Devices []Device `json:"devices" yaml:"devices"`
}

// NewID returns a random identifier for config entries and console sessions.
func NewID() string {
	return uuid.NewString()
}
