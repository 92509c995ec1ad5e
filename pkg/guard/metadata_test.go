package guard

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func readMetadata(t *testing.T, uuid string) map[string]interface{} {
	t.Helper()
	raw, err := os.ReadFile(metadataPath(uuid))
	require.NoError(t, err)
	var md struct {
		InternalMetadata map[string]interface{} `json:"internal_metadata"`
	}
	require.NoError(t, json.Unmarshal(raw, &md))
	return md.InternalMetadata
}

func TestSetAndClearWaitForAttach(t *testing.T) {
	ZonesDir = t.TempDir()

	ts, err := SetWaitForAttach("zone-1")
	require.NoError(t, err)
	require.Contains(t, readMetadata(t, "zone-1"), waitForAttachKey)

	require.NoError(t, ClearWaitForAttach("zone-1", ts))
	require.NotContains(t, readMetadata(t, "zone-1"), waitForAttachKey)
}

func TestClearWaitForAttachOnlyClearsOwnTimestamp(t *testing.T) {
	ZonesDir = t.TempDir()

	first, err := SetWaitForAttach("zone-2")
	require.NoError(t, err)

	// A later start overwrites the flag; the first writer's clear must
	// not remove it.
	second, err := SetWaitForAttach("zone-2")
	require.NoError(t, err)

	require.NoError(t, ClearWaitForAttach("zone-2", first))
	if first != second {
		require.Contains(t, readMetadata(t, "zone-2"), waitForAttachKey)
	}

	require.NoError(t, ClearWaitForAttach("zone-2", second))
	require.NotContains(t, readMetadata(t, "zone-2"), waitForAttachKey)
}

func TestSetWaitForAttachPreservesOtherMetadata(t *testing.T) {
	ZonesDir = t.TempDir()

	require.NoError(t, os.MkdirAll(ZonesDir+"/zone-3/config", 0o755))
	require.NoError(t, os.WriteFile(metadataPath("zone-3"),
		[]byte(`{"customer_metadata":{"user-script":"#!/bin/sh"},"internal_metadata":{"docker:cmd":"[\"sleep\"]"}}`), 0o644))

	ts, err := SetWaitForAttach("zone-3")
	require.NoError(t, err)

	md := readMetadata(t, "zone-3")
	require.Contains(t, md, "docker:cmd")
	require.Contains(t, md, waitForAttachKey)

	require.NoError(t, ClearWaitForAttach("zone-3", ts))
	require.Contains(t, readMetadata(t, "zone-3"), "docker:cmd")

	// Sections this package doesn't own survive the rewrites.
	raw, err := os.ReadFile(metadataPath("zone-3"))
	require.NoError(t, err)
	var full map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &full))
	require.Contains(t, full, "customer_metadata")
}
