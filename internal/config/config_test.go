package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultAPIURL, cfg.Service.APIURL)
	assert.Equal(t, "1.7", cfg.Service.APIVersion)
	assert.Equal(t, "v1", cfg.Service.APIPrefix)
	assert.Equal(t, 5*time.Minute, cfg.Service.MaxClockDrift)
	assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, time.Minute, cfg.Heartbeat.Margin)
	assert.Equal(t, []string{"entitlements"}, cfg.Checkout.Include)
	assert.Equal(t, "license.lic", cfg.Paths.LicenseFile)
	assert.Equal(t, "machine.lic", cfg.Paths.MachineFile)

	// An account is the only field without a default.
	assert.Error(t, cfg.Validate())
	cfg.Service.Account = "acme"
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Run("file then environment", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "keygen.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
service:
  account: from-file
  product: prod-1
http:
  timeout: 5s
  pinned_keys: ["aGFzaA=="]
checkout:
  ttl: 48h
`), 0o600))

		t.Setenv("KEYGEN_SERVICE_ACCOUNT", "from-env")
		t.Setenv("KEYGEN_HEARTBEAT_MARGIN", "90s")
		t.Setenv("KEYGEN_CHECKOUT_INCLUDE", "entitlements,product")

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "from-env", cfg.Service.Account)
		assert.Equal(t, "prod-1", cfg.Service.Product)
		assert.Equal(t, 5*time.Second, cfg.HTTP.Timeout)
		assert.Equal(t, []string{"aGFzaA=="}, cfg.HTTP.PinnedKeys)
		assert.Equal(t, 48*time.Hour, cfg.Checkout.TTL)
		assert.Equal(t, 90*time.Second, cfg.Heartbeat.Margin)
		assert.Equal(t, []string{"entitlements", "product"}, cfg.Checkout.Include)
		// Untouched defaults survive both layers.
		assert.Equal(t, DefaultAPIURL, cfg.Service.APIURL)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("service: [unterminated"), 0o600))
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"bad url", func(c *Config) { c.Service.APIURL = "not a url" }, true},
		{"missing account", func(c *Config) { c.Service.Account = "" }, true},
		{"zero timeout", func(c *Config) { c.HTTP.Timeout = 0 }, true},
		{"unknown log level", func(c *Config) { c.Logging.Level = "trace" }, true},
		{"verify responses without key", func(c *Config) { c.Service.VerifyResponses = true }, true},
		{"verify responses with key", func(c *Config) {
			c.Service.VerifyResponses = true
			c.Service.PublicKey = "abcd"
		}, false},
		{"ttl below minimum", func(c *Config) { c.Checkout.TTL = time.Minute }, true},
		{"ttl above maximum", func(c *Config) { c.Checkout.TTL = 2 * MaxCheckoutTTL }, true},
		{"ttl at minimum", func(c *Config) { c.Checkout.TTL = MinCheckoutTTL }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Service.Account = "acme"
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestStore(t *testing.T) {
	base := Default()
	base.Service.Account = "acme"
	base.Service.Token = "tok-1"

	t.Run("get returns a detached copy", func(t *testing.T) {
		s := NewStore(base)
		snap := s.Get()
		snap.Service.Account = "mutated"
		snap.Checkout.Include[0] = "mutated"

		again := s.Get()
		assert.Equal(t, "acme", again.Service.Account)
		assert.Equal(t, "entitlements", again.Checkout.Include[0])
	})

	t.Run("replace validates", func(t *testing.T) {
		s := NewStore(base)
		bad := base.Clone()
		bad.Service.Account = ""
		assert.Error(t, s.Replace(bad))
		assert.Equal(t, "acme", s.Get().Service.Account)

		assert.Error(t, s.Replace(nil))
	})

	t.Run("update keeps old value on panic", func(t *testing.T) {
		s := NewStore(base)
		assert.Panics(t, func() {
			_ = s.Update(func(c *Config) {
				c.Service.Token = "half-written"
				panic("boom")
			})
		})
		assert.Equal(t, "tok-1", s.Get().Service.Token)

		// The lock was released.
		require.NoError(t, s.Update(func(c *Config) { c.Service.Token = "tok-2" }))
		assert.Equal(t, "tok-2", s.Get().Service.Token)
	})

	t.Run("readers never see a mixed snapshot", func(t *testing.T) {
		a := base.Clone()
		a.Service.Account, a.Service.Token = "a", "token-a"
		b := base.Clone()
		b.Service.Account, b.Service.Token = "b", "token-b"

		s := NewStore(a)
		var wg sync.WaitGroup
		stop := make(chan struct{})

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				next := a
				if i%2 == 0 {
					next = b
				}
				_ = s.Replace(next)
			}
		}()

		for i := 0; i < 2000; i++ {
			snap := s.Get()
			assert.Equal(t, "token-"+snap.Service.Account, snap.Service.Token)
		}
		close(stop)
		wg.Wait()
	})
}
