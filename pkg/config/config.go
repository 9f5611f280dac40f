// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/constants"
)

// Settings carries the connection parameters for one vCenter session.
// Environment variables provide defaults; explicit values win.
type Settings struct {
	Host          string `envconfig:"VCENTER_HOST" json:"hostname"`
	Port          int    `envconfig:"VCENTER_PORT" json:"port"`
	Username      string `envconfig:"VCENTER_USER" json:"username"`
	Password      string `envconfig:"VCENTER_PASSWORD" json:"password"`
	ValidateCerts *bool  `envconfig:"VCENTER_VALIDATE_CERTS" json:"validate_certs,omitempty"`
	ProxyHost     string `envconfig:"VCENTER_PROXY_HOST" json:"proxy_host,omitempty"`
	ProxyPort     int    `envconfig:"VCENTER_PROXY_PORT" json:"proxy_port,omitempty"`

	// Datacenter scopes name resolution when set.
	Datacenter string `envconfig:"VCENTER_DATACENTER" json:"datacenter,omitempty"`
}

// FromEnv returns Settings populated from the VCENTER_* environment.
func FromEnv() (Settings, error) {
	var s Settings
	if err := envconfig.Process("", &s); err != nil {
		return Settings{}, fmt.Errorf("reading environment defaults: %w", err)
	}
	s.ApplyDefaults()
	return s, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.Port == 0 {
		s.Port = constants.DefaultPort
	}
}

// Validate checks that the settings are complete enough to log in.
func (s *Settings) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("hostname is required (or set VCENTER_HOST)")
	}
	if s.Username == "" {
		return fmt.Errorf("username is required (or set VCENTER_USER)")
	}
	if s.Password == "" {
		return fmt.Errorf("password is required (or set VCENTER_PASSWORD)")
	}
	return nil
}

// Insecure returns true when certificate validation is disabled.
func (s *Settings) Insecure() bool {
	return s.ValidateCerts != nil && !*s.ValidateCerts
}
