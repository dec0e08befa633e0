// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package ids generates the opaque identifiers used across TaskHub.
package ids

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-uuid"
)

// short returns n hex characters of randomness.
func short(n int) string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		// crypto/rand failing is unrecoverable for id generation.
		panic(fmt.Errorf("failed to generate id: %w", err))
	}
	id = strings.ReplaceAll(id, "-", "")
	if n > len(id) {
		n = len(id)
	}
	return id[:n]
}

// Run returns a fresh run id of the form r-<hex>.
func Run() string {
	return "r-" + short(16)
}

// Cron returns a fresh cron entry id of the form c-<hex>.
func Cron() string {
	return "c-" + short(16)
}

// Artifact returns a fresh artifact id of the form a-<hex>.
func Artifact() string {
	return "a-" + short(16)
}

// Worker returns a stable-for-the-process worker id embedding hostname and
// pid so operators can locate the owning process from API output.
func Worker() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("w-%s-%d-%s", host, os.Getpid(), short(8))
}
