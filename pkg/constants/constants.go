// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package constants

import "time"

const (
	// RootFolderMoID is the sentinel MoID of the vCenter root folder.
	RootFolderMoID = "group-d1"

	// HostAgentRootFolderMoID is the sentinel MoID of the root folder when
	// connected directly to an ESXi host agent.
	HostAgentRootFolderMoID = "ha-folder-root"

	// DefaultTaskTimeout is the wall-clock bound on any single task wait.
	DefaultTaskTimeout = 3600 * time.Second

	// DefaultPollBackoffCap bounds the exponential poll interval.
	DefaultPollBackoffCap = 64 * time.Second

	// DefaultPollInterval is the initial task poll interval.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultPort is the default vCenter HTTPS port.
	DefaultPort = 443

	// MinDVSMtu and MaxDVSMtu bound the distributed switch MTU.
	MinDVSMtu = 1280
	MaxDVSMtu = 9000

	// UplinkPrefix is the default name prefix for generated DVS uplinks.
	UplinkPrefix = "Uplink "
)
