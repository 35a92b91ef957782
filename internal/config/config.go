package config

import (
	"fmt"
	"os"
	"time"

	"github.com/drone/envsubst"
	"github.com/google/go-containerregistry/pkg/name"
	"gopkg.in/yaml.v3"
)

// Runtimes the R programs can be run with.
const (
	RuntimeDocker    = "docker"
	RuntimeEngine    = "engine"
	RuntimeRscript   = "rscript"
	RuntimeNamespace = "namespace"
)

type Config struct {
	Credentials      Credentials
	TLS              *TLS
	Storage          *Storage
	Rscript          Rscript
	Download         Download
	Host             string
	Address          string
	LogLevel         string
	CacheDir         string
	DownloadDir      string // output root, files are written to DownloadDir/out
	DownloadURL      string // public URL of DownloadDir
	InputDir         string // static input data, mounted read-only
	Runtime          string
	DockerExecutable string
	Image            string
}

type TLS struct {
	CertFile string // Path to certificate file
	KeyFile  string // Path to key file
	CertPEM  string // Raw certificate PEM (supports ${ENV_VAR} substitution)
	KeyPEM   string // Raw key PEM (supports ${ENV_VAR} substitution)
}

type Storage struct {
	BlobURL     string // defaults to a fileblob rooted at DownloadDir
	DocstoreURL string // defaults to mem:// persisted in CacheDir
}

type Rscript struct {
	Executable string
	ScriptDir  string
}

type Download struct {
	AllowedHosts []string
	Timeout      time.Duration
}

type ContainerRegistryAuth struct {
	Username      string
	Password      string
	Auth          string
	IdentityToken string
	RegistryToken string
}

type Credentials struct {
	// Key is prefix
	ContainerRegistry map[string]ContainerRegistryAuth
}

func ParseConfig(b []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}

	var err error
	for _, s := range []*string{
		&c.CacheDir,
		&c.DownloadDir,
		&c.DownloadURL,
		&c.InputDir,
		&c.DockerExecutable,
		&c.Image,
		&c.Rscript.Executable,
		&c.Rscript.ScriptDir,
	} {
		*s, err = envsubst.EvalEnv(*s)
		if err != nil {
			return nil, err
		}
	}

	for k, v := range c.Credentials.ContainerRegistry {
		v.Password, err = envsubst.EvalEnv(v.Password)
		if err != nil {
			return nil, err
		}
		v.Auth, err = envsubst.EvalEnv(v.Auth)
		if err != nil {
			return nil, err
		}
		v.IdentityToken, err = envsubst.EvalEnv(v.IdentityToken)
		if err != nil {
			return nil, err
		}
		v.RegistryToken, err = envsubst.EvalEnv(v.RegistryToken)
		if err != nil {
			return nil, err
		}
		c.Credentials.ContainerRegistry[k] = v
	}

	// TLS PEM env substitution
	if c.TLS != nil {
		if c.TLS.CertPEM != "" {
			c.TLS.CertPEM, err = envsubst.EvalEnv(c.TLS.CertPEM)
			if err != nil {
				return nil, err
			}
		}
		if c.TLS.KeyPEM != "" {
			c.TLS.KeyPEM, err = envsubst.EvalEnv(c.TLS.KeyPEM)
			if err != nil {
				return nil, err
			}
		}
	}

	if c.Runtime == "" {
		c.Runtime = RuntimeDocker
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch {
	case c.DownloadDir == "":
		return fmt.Errorf("downloaddir is required")
	case c.DownloadURL == "":
		return fmt.Errorf("downloadurl is required")
	case c.InputDir == "":
		return fmt.Errorf("inputdir is required")
	}

	switch c.Runtime {
	case RuntimeDocker, RuntimeEngine, RuntimeNamespace:
		if c.Image == "" {
			return fmt.Errorf("image is required for runtime %s", c.Runtime)
		}
		if _, err := name.ParseReference(c.Image); err != nil {
			return fmt.Errorf("invalid image %q: %w", c.Image, err)
		}
	case RuntimeRscript:
		if c.Rscript.ScriptDir == "" {
			return fmt.Errorf("rscript.scriptdir is required for runtime %s", c.Runtime)
		}
	default:
		return fmt.Errorf("unknown runtime %q", c.Runtime)
	}

	if c.Download.Timeout < 0 {
		return fmt.Errorf("download.timeout must not be negative")
	}
	return nil
}

// Executable returns the program handed to the invoker for the runtime.
func (c *Config) Executable() string {
	switch c.Runtime {
	case RuntimeDocker:
		return c.DockerExecutable
	case RuntimeRscript:
		return c.Rscript.Executable
	}
	return ""
}

func FromFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}
