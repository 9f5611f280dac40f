// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/vmware/govmomi/event"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/pbm"
	"github.com/vmware/govmomi/session"
	"github.com/vmware/govmomi/vapi/library"
	"github.com/vmware/govmomi/vapi/rest"
	"github.com/vmware/govmomi/vapi/tags"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vslm"

	"github.com/vmware-tanzu/vsphere-fleet/pkg/config"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/errs"
	"github.com/vmware-tanzu/vsphere-fleet/pkg/log"
)

// Client bundles the SOAP and REST sessions against one vCenter, a Finder
// scoped to the configured datacenter, and the managers the reconcilers
// consume. It is confined to a single reconcile pass; concurrent reconcilers
// each hold their own Client.
type Client struct {
	vimClient      *vim25.Client
	restClient     *rest.Client
	sessionManager *session.Manager
	finder         *find.Finder
	datacenter     *object.Datacenter
	config         config.Settings
}

const keepAliveInterval = 5 * time.Minute

// New logs in to the configured vCenter and returns a live Client.
func New(ctx context.Context, cfg config.Settings) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.BadInputError{Message: err.Error()}
	}

	logger := log.FromContextOrDefault(ctx).WithName("client").
		WithValues("host", cfg.Host, "port", cfg.Port)

	u, err := soap.ParseURL(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("parsing vCenter URL: %w", err)
	}
	u.User = url.UserPassword(cfg.Username, cfg.Password)

	soapClient := soap.NewClient(u, cfg.Insecure())
	if cfg.ProxyHost != "" {
		proxyURL := &url.URL{
			Scheme: "http",
			Host:   fmt.Sprintf("%s:%d", cfg.ProxyHost, cfg.ProxyPort),
		}
		if t, ok := soapClient.Transport.(*http.Transport); ok {
			t.Proxy = http.ProxyURL(proxyURL)
		}
	}

	vimClient, err := vim25.NewClient(ctx, soapClient)
	if err != nil {
		return nil, errs.Classify(fmt.Errorf("creating vim25 client: %w", err))
	}

	sm := session.NewManager(vimClient)
	vimClient.RoundTripper = session.KeepAliveHandler(
		vimClient.RoundTripper,
		keepAliveInterval,
		func(tripper soap.RoundTripper) error {
			_, err := methods.GetCurrentTime(ctx, tripper)
			if err != nil {
				logger.Error(err, "keepalive probe failed")
			}
			return err
		})

	if err := sm.Login(ctx, u.User); err != nil {
		return nil, errs.Classify(fmt.Errorf("logging in to %s: %w", cfg.Host, err))
	}

	restClient := rest.NewClient(vimClient)
	if err := restClient.Login(ctx, u.User); err != nil {
		_ = sm.Logout(ctx)
		return nil, errs.Classify(fmt.Errorf("logging in to REST endpoint: %w", err))
	}

	c := &Client{
		vimClient:      vimClient,
		restClient:     restClient,
		sessionManager: sm,
		finder:         find.NewFinder(vimClient, false),
		config:         cfg,
	}

	if cfg.Datacenter != "" {
		dc, err := c.finder.Datacenter(ctx, cfg.Datacenter)
		if err != nil {
			return nil, errs.NotFoundError{Kind: "Datacenter", Name: cfg.Datacenter}
		}
		c.datacenter = dc
		c.finder.SetDatacenter(dc)
	}

	logger.V(4).Info("logged in")
	return c, nil
}

// Logout terminates both sessions. Errors are logged, not returned, since
// there is nothing a caller can do about a failed logout.
func (c *Client) Logout(ctx context.Context) {
	logger := log.FromContextOrDefault(ctx).WithName("client")
	if err := c.restClient.Logout(ctx); err != nil {
		logger.Error(err, "REST logout failed")
	}
	if err := c.sessionManager.Logout(ctx); err != nil {
		logger.Error(err, "SOAP logout failed")
	}
}

// VimClient returns the underlying SOAP client.
func (c *Client) VimClient() *vim25.Client { return c.vimClient }

// RestClient returns the underlying REST client.
func (c *Client) RestClient() *rest.Client { return c.restClient }

// Finder returns the shared Finder, scoped to the configured datacenter when
// one was given.
func (c *Client) Finder() *find.Finder { return c.finder }

// Datacenter returns the configured datacenter, or nil when resolution is
// unscoped.
func (c *Client) Datacenter() *object.Datacenter { return c.datacenter }

// Settings returns the connection settings the client was built from.
func (c *Client) Settings() config.Settings { return c.config }

// TagManager returns a tagging manager on the REST session.
func (c *Client) TagManager() *tags.Manager { return tags.NewManager(c.restClient) }

// LibraryManager returns a content-library manager on the REST session.
func (c *Client) LibraryManager() *library.Manager { return library.NewManager(c.restClient) }

// EventManager returns the event manager for customization event waits.
func (c *Client) EventManager() *event.Manager { return event.NewManager(c.vimClient) }

// CustomFieldsManager returns the custom-fields manager, present on vCenter.
func (c *Client) CustomFieldsManager() (*object.CustomFieldsManager, error) {
	return object.GetCustomFieldsManager(c.vimClient)
}

// VStorageObjectManager returns the first-class disk manager.
func (c *Client) VStorageObjectManager() *vslm.ObjectManager {
	return vslm.NewObjectManager(c.vimClient)
}

// PbmClient returns a storage-policy client, needed to resolve PMem policies
// for NVDIMM devices.
func (c *Client) PbmClient(ctx context.Context) (*pbm.Client, error) {
	pc, err := pbm.NewClient(ctx, c.vimClient)
	if err != nil {
		return nil, errs.Classify(fmt.Errorf("creating pbm client: %w", err))
	}
	return pc, nil
}

// IsVCenter reports whether the session is against vCenter rather than a
// direct ESXi host agent.
func (c *Client) IsVCenter() bool {
	return c.vimClient.ServiceContent.About.ApiType == "VirtualCenter"
}
