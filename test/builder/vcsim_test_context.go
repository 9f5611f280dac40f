// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

// Package builder provides the vcsim-backed test harness shared by the
// integration suites.
package builder

import (
	"context"
	"crypto/tls"
	"strconv"

	. "github.com/onsi/gomega"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/simulator"
	"github.com/vmware/govmomi/vapi/rest"
	"github.com/vmware/govmomi/vim25"

	// Blank imports make the simulator aware of these endpoint bindings.
	_ "github.com/vmware/govmomi/pbm/simulator"
	_ "github.com/vmware/govmomi/vapi/simulator"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/client"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/config"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/util/ptr"
)

// VCSimTestConfig configures the vcsim environment.
type VCSimTestConfig struct {
	// Datacenter scopes the session's finder; empty leaves it unscoped.
	Datacenter string

	// NumHosts overrides the model's standalone host count.
	NumHosts int

	// NumClusterHosts overrides the hosts per cluster.
	NumClusterHosts int
}

// TestContextForVCSim is a live simulator session. It is a Context itself so
// govmomi calls can take it directly.
type TestContextForVCSim struct {
	context.Context

	Settings  config.Settings
	Client    *client.Client
	VimClient *vim25.Client
	Finder    *find.Finder

	model  *simulator.Model
	server *simulator.Server
}

// NewTestContextForVCSim starts a VPX model and logs a Client in against it.
func NewTestContextForVCSim(cfg VCSimTestConfig) *TestContextForVCSim {
	ctx := &TestContextForVCSim{
		Context: context.Background(),
	}

	ctx.model = simulator.VPX()
	if cfg.NumHosts > 0 {
		ctx.model.Host = cfg.NumHosts
	}
	if cfg.NumClusterHosts > 0 {
		ctx.model.ClusterHost = cfg.NumClusterHosts
	}
	Expect(ctx.model.Create()).To(Succeed())

	ctx.model.Service.TLS = new(tls.Config)
	ctx.model.Service.RegisterEndpoints = true
	ctx.server = ctx.model.Service.NewServer()

	port, err := strconv.Atoi(ctx.server.URL.Port())
	Expect(err).ToNot(HaveOccurred())
	password, _ := ctx.server.URL.User.Password()

	ctx.Settings = config.Settings{
		Host:          ctx.server.URL.Hostname(),
		Port:          port,
		Username:      ctx.server.URL.User.Username(),
		Password:      password,
		ValidateCerts: ptr.To(false),
		Datacenter:    cfg.Datacenter,
	}

	ctx.Client, err = client.New(ctx, ctx.Settings)
	Expect(err).ToNot(HaveOccurred())

	ctx.VimClient = ctx.Client.VimClient()
	ctx.Finder = ctx.Client.Finder()

	return ctx
}

// RestClient returns the session's vAPI client.
func (c *TestContextForVCSim) RestClient() *rest.Client {
	return c.Client.RestClient()
}

// Datacenter resolves the named datacenter, defaulting to the model's DC0.
func (c *TestContextForVCSim) Datacenter(name string) *object.Datacenter {
	if name == "" {
		name = "DC0"
	}
	dc, err := c.Finder.Datacenter(c, name)
	Expect(err).ToNot(HaveOccurred())
	return dc
}

// AfterEach tears the session and simulator down.
func (c *TestContextForVCSim) AfterEach() {
	if c.Client != nil {
		c.Client.Logout(c)
	}
	if c.server != nil {
		c.server.Close()
	}
	if c.model != nil {
		c.model.Remove()
	}
}
