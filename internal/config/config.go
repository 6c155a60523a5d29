package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Model    ModelConfig    `yaml:"model" json:"model"`
	Defaults DefaultsConfig `yaml:"defaults" json:"defaults"`
	Image    ImageConfig    `yaml:"image" json:"image"`
	Log      LogConfig      `yaml:"log" json:"log"`
}

// ServerConfig holds configuration for the HTTP layer
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	Release         bool          `yaml:"release" json:"release"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// ModelConfig selects and configures the inference backend
type ModelConfig struct {
	// Backend is one of onnx, remote or ollama
	Backend           string        `yaml:"backend" json:"backend"`
	Path              string        `yaml:"path" json:"path"`
	Device            string        `yaml:"device" json:"device"`
	LabelsPath        string        `yaml:"labels_path" json:"labels_path"`
	SharedLibraryPath string        `yaml:"shared_library_path" json:"shared_library_path"`
	IoU               float64       `yaml:"iou" json:"iou"`
	MaxDet            int           `yaml:"max_det" json:"max_det"`
	Preload           bool          `yaml:"preload" json:"preload"`
	RemoteURL         string        `yaml:"remote_url" json:"remote_url"`
	RemoteTimeout     time.Duration `yaml:"remote_timeout" json:"remote_timeout"`
	OllamaURL         string        `yaml:"ollama_url" json:"ollama_url"`
	OllamaModel       string        `yaml:"ollama_model" json:"ollama_model"`
}

// DefaultsConfig holds request defaults and limits
type DefaultsConfig struct {
	Conf     float64 `yaml:"conf" json:"conf"`
	Imgsz    int     `yaml:"imgsz" json:"imgsz"`
	MaxImgsz int     `yaml:"max_imgsz" json:"max_imgsz"`
}

// ImageConfig holds limits for decoded images
type ImageConfig struct {
	MinImageSize int `yaml:"min_image_size" json:"min_image_size"`
	MaxPixels    int `yaml:"max_pixels" json:"max_pixels"`
}

// LogConfig holds configuration for logging
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			Release:         false,
			MaxBodyBytes:    15 << 20,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Model: ModelConfig{
			Backend:       "onnx",
			Path:          "./model/detect_best.onnx",
			Device:        "0",
			IoU:           0.7,
			MaxDet:        300,
			RemoteTimeout: 5 * time.Minute,
			OllamaURL:     "http://localhost:11434",
		},
		Defaults: DefaultsConfig{
			Conf:     0.25,
			Imgsz:    640,
			MaxImgsz: 2048,
		},
		Image: ImageConfig{
			MinImageSize: 1,
			MaxPixels:    40_000_000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a YAML (or JSON) file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads the configuration from path. With an empty path it falls back to
// the file at GetConfigPath when one exists, and to the defaults otherwise.
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadFromFile(path)
	}
	if def := GetConfigPath(); fileExists(def) {
		return LoadFromFile(def)
	}
	return Default(), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides values from the environment
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("DETECT_MODEL_PATH"); v != "" {
		c.Model.Path = v
	}
	if v := getenv("DEVICE"); v != "" {
		c.Model.Device = v
	}
	if v := getenv("DETECT_BACKEND"); v != "" {
		c.Model.Backend = v
	}
	if v := getenv("ML_BASE_URL"); v != "" {
		c.Model.RemoteURL = v
	}
	if v := getenv("ONNXRUNTIME_LIB"); v != "" {
		c.Model.SharedLibraryPath = v
	}
	if v := getenv("PORT"); v != "" {
		c.Server.Addr = ":" + strings.TrimPrefix(v, ":")
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}

	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}

	switch c.Model.Backend {
	case "onnx":
		if c.Model.Path == "" {
			return fmt.Errorf("model.path cannot be empty for the onnx backend")
		}
	case "remote":
		if c.Model.RemoteURL == "" {
			return fmt.Errorf("model.remote_url cannot be empty for the remote backend")
		}
	case "ollama":
		if c.Model.OllamaURL == "" || c.Model.OllamaModel == "" {
			return fmt.Errorf("model.ollama_url and model.ollama_model are required for the ollama backend")
		}
	default:
		return fmt.Errorf("model.backend must be one of onnx, remote, ollama (got %q)", c.Model.Backend)
	}

	if c.Model.IoU <= 0 || c.Model.IoU > 1 {
		return fmt.Errorf("model.iou must be between 0 and 1")
	}

	if c.Model.MaxDet < 1 {
		return fmt.Errorf("model.max_det must be positive")
	}

	if c.Defaults.Conf < 0 || c.Defaults.Conf > 1 {
		return fmt.Errorf("defaults.conf must be between 0 and 1")
	}

	if c.Defaults.MaxImgsz < 32 {
		return fmt.Errorf("defaults.max_imgsz must be at least 32")
	}

	if c.Defaults.Imgsz < 32 || c.Defaults.Imgsz > c.Defaults.MaxImgsz {
		return fmt.Errorf("defaults.imgsz must be between 32 and %d", c.Defaults.MaxImgsz)
	}

	if c.Image.MinImageSize < 1 {
		return fmt.Errorf("image.min_image_size must be positive")
	}

	return nil
}

// ValidateServer runs Validate and additionally rejects a remote backend that
// points back at the server's own listen address.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Model.Backend == "remote" && forwardsToSelf(c.Server.Addr, c.Model.RemoteURL) {
		return fmt.Errorf("model.remote_url %s points at this server (%s), set ML_BASE_URL to the upstream detection service",
			c.Model.RemoteURL, c.Server.Addr)
	}
	return nil
}

// forwardsToSelf reports whether remoteURL reaches the listener on addr
func forwardsToSelf(addr, remoteURL string) bool {
	listenHost, listenPort, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	u, err := url.Parse(remoteURL)
	if err != nil {
		return false
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	if port != listenPort {
		return false
	}

	host := u.Hostname()
	if strings.EqualFold(host, "localhost") || strings.EqualFold(host, listenHost) {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "detection-server", "config.yaml")
}
