package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"motorx/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "motorx.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `{
		"addr": ":8080",
		"upstreams": {"a": {"address": "127.0.0.1:9000"}},
		"rules": [{"path": "/", "upstream": "a"}]
	}`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConnections != config.DefaultServerMaxConnections {
		t.Fatalf("want default server max_connections, got %d", cfg.MaxConnections)
	}
	up := cfg.UpstreamAt(0)
	if up == nil || up.MaxConnections != config.DefaultMaxConnections {
		t.Fatalf("want default upstream max_connections, got %+v", up)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].UpstreamIndex != 0 {
		t.Fatalf("rule not resolved to upstream index: %+v", cfg.Rules)
	}
}

func TestLoad_RuleOrdering(t *testing.T) {
	path := writeConfig(t, `{
		"addr": ":8080",
		"upstreams": {"a": {"address": "127.0.0.1:9000"}},
		"rules": [
			{"path": "regex(^/x/.+$)", "upstream": "a"},
			{"path": "/longprefix", "upstream": "a"},
			{"path": "contains(foo)", "upstream": "a"},
			{"path": "/a", "upstream": "a"}
		]
	}`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Prefix < Contains < Regex; within Prefix, longer literal first (§3, §8).
	want := []config.MatchKind{config.KindPrefix, config.KindPrefix, config.KindContains, config.KindRegex}
	for i, k := range want {
		if cfg.Rules[i].Path.Kind() != k {
			t.Fatalf("rule %d: want kind %d, got %d (%s)", i, k, cfg.Rules[i].Path.Kind(), cfg.Rules[i].Path.String())
		}
	}
	if cfg.Rules[0].Path.Literal() != "/longprefix" {
		t.Fatalf("want longer prefix first, got %q", cfg.Rules[0].Path.Literal())
	}
}

func TestLoad_UnknownUpstreamReference(t *testing.T) {
	path := writeConfig(t, `{
		"addr": ":8080",
		"upstreams": {"a": {"address": "127.0.0.1:9000"}},
		"rules": [{"path": "/", "upstream": "missing"}]
	}`)

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for unknown upstream reference")
	}
}

func TestRule_RemoveMatch_PrefixRewritesToRoot(t *testing.T) {
	path := writeConfig(t, `{
		"addr": ":8080",
		"upstreams": {"a": {"address": "127.0.0.1:9000"}},
		"rules": [{"path": "/service", "remove_match": true, "upstream": "a"}]
	}`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Rules[0].RewritePath("/service"); got != "/" {
		t.Fatalf("want \"/\", got %q", got)
	}
}

func TestRule_RemoveMatch_NoopForContainsAndRegex(t *testing.T) {
	path := writeConfig(t, `{
		"addr": ":8080",
		"upstreams": {"a": {"address": "127.0.0.1:9000"}},
		"rules": [{"path": "contains(svc)", "remove_match": true, "upstream": "a"}]
	}`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Rules[0].RewritePath("/svc/x"); got != "/svc/x" {
		t.Fatalf("want no-op rewrite for Contains, got %q", got)
	}
}

func TestAuthentication_ExcludeWildcard(t *testing.T) {
	path := writeConfig(t, `{
		"addr": ":8080",
		"upstreams": {"a": {
			"address": "127.0.0.1:9000",
			"auth": {"exclude": ["/public/*"], "source": {"type": "same_path", "path": "/auth"}}
		}},
		"rules": [{"path": "/", "upstream": "a"}]
	}`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	auth := cfg.UpstreamAt(0).Auth
	if !auth.Excluded("/public/anything") {
		t.Fatalf("expected /public/anything to be excluded")
	}
	if auth.Excluded("/private") {
		t.Fatalf("did not expect /private to be excluded")
	}
}

func TestTLSConfig_Variants(t *testing.T) {
	path := writeConfig(t, `{
		"addr": ":8443",
		"tls": {"mode": "acme", "domains": ["example.com"]},
		"upstreams": {"a": {"address": "127.0.0.1:9000"}},
		"rules": [{"path": "/", "upstream": "a"}]
	}`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TLS.Mode != config.TLSAcme || cfg.TLS.CacheDir == "" {
		t.Fatalf("expected acme mode with default cache dir, got %+v", cfg.TLS)
	}
}
