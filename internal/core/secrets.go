package core

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// tokenHashKey in secrets.env overrides api.token_hash so the bcrypt hash
// can live outside the main config file.
const tokenHashKey = "WARDEN_API_TOKEN_HASH"

// LoadSecretsEnv reads $XDG_CONFIG_HOME/warden/secrets.env (or
// ~/.config/warden/secrets.env) and returns key/value pairs. Lines starting
// with # are ignored. Format: KEY=VALUE. The values are injected into the
// environment of every spawned server, so credentials never have to appear
// in config.yaml or the server files themselves.
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "warden", "secrets.env")
	}
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{}, nil // not fatal if missing
	}
	defer f.Close()
	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			out[k] = v
		}
	}
	return out, s.Err()
}

// applySecrets folds secrets.env into the configuration: the token hash
// override is consumed, everything else is passed through to spawned
// servers.
func (c *Config) applySecrets(secrets map[string]string) {
	if hash, ok := secrets[tokenHashKey]; ok && c.API.TokenHash == "" {
		c.API.TokenHash = hash
	}
	delete(secrets, tokenHashKey)
	c.SpawnEnv = secrets
}
