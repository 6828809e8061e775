package config

import (
	"encoding/json"
	"fmt"

	"motorx/internal/perr"
)

// TLSMode tags which TLS variant is configured (§6).
type TLSMode int

const (
	// TLSNone serves plaintext HTTP.
	TLSNone TLSMode = iota
	// TLSFile loads a static cert/key pair from disk.
	TLSFile
	// TLSAcme acquires certificates automatically via ACME.
	TLSAcme
)

// TLSConfig is the `tls` field of the top-level config (§6): none, File, or Acme.
type TLSConfig struct {
	Mode      TLSMode
	CertsPath string   // TLSFile
	KeyPath   string   // TLSFile
	Domains   []string // TLSAcme
	CacheDir  string   // TLSAcme
}

type tlsConfigJSON struct {
	Mode      string   `json:"mode"`
	CertsPath string   `json:"certs_path,omitempty"`
	KeyPath   string   `json:"key_path,omitempty"`
	Domains   []string `json:"domains,omitempty"`
	CacheDir  string   `json:"cache_dir,omitempty"`
}

func (t TLSConfig) MarshalJSON() ([]byte, error) {
	raw := tlsConfigJSON{CertsPath: t.CertsPath, KeyPath: t.KeyPath, Domains: t.Domains, CacheDir: t.CacheDir}
	switch t.Mode {
	case TLSFile:
		raw.Mode = "file"
	case TLSAcme:
		raw.Mode = "acme"
	default:
		raw.Mode = "none"
	}
	return json.Marshal(raw)
}

func (t *TLSConfig) UnmarshalJSON(data []byte) error {
	var raw tlsConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Mode {
	case "", "none":
		*t = TLSConfig{Mode: TLSNone}
	case "file":
		if raw.CertsPath == "" || raw.KeyPath == "" {
			return &perr.ConfigError{Op: "parse tls", Err: fmt.Errorf("file mode requires certs_path and key_path")}
		}
		*t = TLSConfig{Mode: TLSFile, CertsPath: raw.CertsPath, KeyPath: raw.KeyPath}
	case "acme":
		if len(raw.Domains) == 0 {
			return &perr.ConfigError{Op: "parse tls", Err: fmt.Errorf("acme mode requires at least one domain")}
		}
		cacheDir := raw.CacheDir
		if cacheDir == "" {
			cacheDir = "./acme-cache"
		}
		*t = TLSConfig{Mode: TLSAcme, Domains: raw.Domains, CacheDir: cacheDir}
	default:
		return &perr.ConfigError{Op: "parse tls", Err: fmt.Errorf("unknown tls mode %q", raw.Mode)}
	}
	return nil
}
