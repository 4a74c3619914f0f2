/*
 *
 * cdp-version-probe - browser version detection over the Chrome DevTools Protocol
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package config loads the probe settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/grafana/cdp-version-probe/version"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "CDPPROBE"

// Config holds the settings of a probe run.
type Config struct {
	// Endpoint is the WebSocket URL of the browser's CDP endpoint, e.g.
	// ws://127.0.0.1:9222/devtools/browser/<id>.
	Endpoint string `envconfig:"ENDPOINT"`
	// MinVersion is the oldest browser version reported as supported.
	MinVersion version.Version `envconfig:"MIN_VERSION" default:"94.0.975.0"`
	// Timeout bounds the whole detection, handshake included.
	Timeout time.Duration `envconfig:"TIMEOUT" default:"30s"`
	// HandshakeTimeout bounds the WebSocket opening handshake.
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"info"`
	LogCategoryFilter string `envconfig:"LOG_CATEGORY_FILTER"`
}

// FromEnv returns the configuration defined by the CDPPROBE_* environment
// variables, with defaults for the ones that are not set.
func FromEnv() (Config, error) {
	var c Config
	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return Config{}, fmt.Errorf("reading configuration from environment: %w", err)
	}
	return c, nil
}

// Validate returns an error if c can't be used to run a probe.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("missing CDP endpoint")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("parsing CDP endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("CDP endpoint %q: unsupported scheme %q, want ws or wss", c.Endpoint, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("CDP endpoint %q: missing host", c.Endpoint)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive, got %s", c.HandshakeTimeout)
	}

	return nil
}
