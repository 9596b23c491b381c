package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/clawinfra/clawguard/internal/secrets"
)

// Sealer encrypts and opens secret fields. *secrets.Store satisfies it.
type Sealer interface {
	EncryptString(plaintext string) (string, error)
	DecryptString(envelope string) (string, error)
	DecryptAndMigrate(envelope string) ([]byte, string, error)
}

// seal encrypts plaintext secret fields and upgrades legacy envelopes in
// place. It reports whether anything changed.
func (c *Config) seal(s Sealer) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	fix := func(field string, v *string) error {
		out, did, err := sealValue(s, *v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", field, err)
		}
		if did {
			*v = out
			changed = true
		}
		return nil
	}

	for name, p := range c.Providers {
		if err := fix("providers."+name+".api_key", &p.APIKey); err != nil {
			return false, err
		}
		c.Providers[name] = p
	}
	if err := fix("audit.mqtt.password", &c.Audit.MQTT.Password); err != nil {
		return false, err
	}
	if c.Gateway.TicketSecret == "" {
		var b [32]byte
		if _, err := rand.Read(b[:]); err != nil {
			return false, fmt.Errorf("config: generate ticket secret: %w", err)
		}
		c.Gateway.TicketSecret = hex.EncodeToString(b[:])
		secrets.Wipe(b[:])
	}
	if err := fix("gateway.ticket_secret", &c.Gateway.TicketSecret); err != nil {
		return false, err
	}
	for i := range c.Gateway.PairedTokens {
		if err := fix("gateway.paired_tokens", &c.Gateway.PairedTokens[i]); err != nil {
			return false, err
		}
	}
	return changed, nil
}

func sealValue(s Sealer, v string) (string, bool, error) {
	switch {
	case v == "":
		return v, false, nil
	case secrets.NeedsMigration(v):
		plain, upgraded, err := s.DecryptAndMigrate(v)
		if err != nil {
			return "", false, err
		}
		secrets.Wipe(plain)
		return upgraded, true, nil
	case secrets.IsEncrypted(v):
		return v, false, nil
	default:
		sealed, err := s.EncryptString(v)
		if err != nil {
			return "", false, err
		}
		return sealed, true, nil
	}
}

// Open decrypts a sealed field. Empty values stay empty; values that were
// never sealed are returned unchanged.
func Open(s Sealer, v string) (string, error) {
	if v == "" || !secrets.IsEncrypted(v) {
		return v, nil
	}
	return s.DecryptString(v)
}

// ProviderKey returns the decrypted API key for provider name.
func (c *Config) ProviderKey(s Sealer, name string) (string, error) {
	c.mu.Lock()
	p, ok := c.Providers[name]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("config: unknown provider %q", name)
	}
	return Open(s, p.APIKey)
}
