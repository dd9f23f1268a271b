package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/types"
)

const (
	proxyConfigFile   = "proxy_config.json"
	externalIPEchoURL = "https://api.ipify.org"
)

func (c *Controller) proxyConfigPath() string {
	return filepath.Join(c.opts.SessionDir, proxyConfigFile)
}

// persistProxy writes the upstream config next to the profile data so it
// survives worker restarts.
func (c *Controller) persistProxy(cfg *types.ProxyConfig) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal proxy config")
		return
	}
	if err := os.MkdirAll(c.opts.SessionDir, 0o755); err != nil {
		log.Error().Err(err).Msg("failed to create session directory")
		return
	}
	if err := os.WriteFile(c.proxyConfigPath(), data, 0o600); err != nil {
		log.Error().Err(err).Msg("failed to persist proxy config")
	}
}

func (c *Controller) loadPersistedProxy() *types.ProxyConfig {
	data, err := os.ReadFile(c.proxyConfigPath())
	if err != nil {
		return nil
	}
	var cfg types.ProxyConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Warn().Err(err).Msg("ignoring corrupt persisted proxy config")
		return nil
	}
	if cfg.Host == "" || cfg.Port == 0 {
		return nil
	}
	return &cfg
}

// ProxyStatus reports whether a tunnel is live and the (redacted) upstream.
func (c *Controller) ProxyStatus() *types.ProxyStatusResponse {
	c.mu.Lock()
	proxyCfg := c.proxy
	c.mu.Unlock()

	resp := &types.ProxyStatusResponse{
		Success: true,
		Active:  c.opts.Tunnels.Active() != nil,
	}
	if proxyCfg != nil {
		resp.Proxy = proxyCfg.Redacted()
	}
	return resp
}

// SwitchProxy replaces the upstream proxy for subsequent sessions. The
// running session keeps its current tunnel until the next login.
func (c *Controller) SwitchProxy(cfg *types.ProxyConfig) error {
	if cfg == nil || cfg.Host == "" || cfg.Port == 0 {
		return fmt.Errorf("proxy config requires ip and port")
	}

	c.mu.Lock()
	c.proxy = cfg
	c.mu.Unlock()

	c.persistProxy(cfg)
	c.events.add("proxy-switched", "", cfg.Address())
	log.Info().Str("upstream", cfg.Address()).Msg("proxy switched")
	return nil
}

// ExternalIP asks an echo service, through the active tunnel, which egress
// address the upstream presents.
func (c *Controller) ExternalIP() (string, error) {
	ip, err := c.opts.Tunnels.ExternalIP(externalIPEchoURL)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(ip), nil
}
