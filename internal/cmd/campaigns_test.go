package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kioskbench/pkg/jobregistry"
)

func seedRegistry(t *testing.T, dir string) (done, failed jobregistry.Record) {
	t.Helper()
	store := jobregistry.NewStore(dir)

	r1, err := jobregistry.Begin(store, jobregistry.Record{
		CampaignID: "aaaa1111-0000-0000-0000-000000000000",
		Name:       "nightly",
		Strategy:   "burst",
		Input:      "cells.tif",
		Count:      10,
		Target:     &jobregistry.Target{Host: "http://kiosk", Model: "M:1", UploadTarget: "kiosk"},
	})
	require.NoError(t, err)
	require.NoError(t, r1.Succeed(jobregistry.Outcome{NumJobs: 10, ReportPath: "/tmp/r.json", TotalCost: "7.5"}))

	r2, err := jobregistry.Begin(store, jobregistry.Record{
		CampaignID: "bbbb2222-0000-0000-0000-000000000000",
		Strategy:   "batch",
		Input:      "./images",
	})
	require.NoError(t, err)
	require.NoError(t, r2.Fail(jobregistry.Outcome{NumJobs: 2}, errors.New("upload failed")))
	return r1.Record(), r2.Record()
}

func runCampaignsCmd(t *testing.T, run func(*cobra.Command, []string) error, jsonOut bool, args ...string) (string, error) {
	t.Helper()
	origJSON, origLimit := campaignsJSON, campaignsLimit
	campaignsJSON = jsonOut
	t.Cleanup(func() { campaignsJSON, campaignsLimit = origJSON, origLimit })

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	err := run(cmd, args)
	return out.String(), err
}

func TestCampaignsList(t *testing.T) {
	cfg := testConfig(t)
	withConfig(t, cfg)
	done, failed := seedRegistry(t, cfg.Registry.Dir)

	out, err := runCampaignsCmd(t, runCampaignsList, false)
	require.NoError(t, err)
	assert.Contains(t, out, "CAMPAIGN")
	assert.Contains(t, out, shortID(done.CampaignID))
	assert.Contains(t, out, shortID(failed.CampaignID))
	assert.Contains(t, out, "nightly")
	assert.Contains(t, out, "failed")

	out, err = runCampaignsCmd(t, runCampaignsList, true)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace([]byte(out)), []byte("\n"))
	require.Len(t, lines, 2)
	var first jobregistry.Record
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.NotEmpty(t, first.CampaignID)

	campaignsLimit = 1
	out, err = runCampaignsCmd(t, runCampaignsList, true)
	require.NoError(t, err)
	assert.Len(t, bytes.Split(bytes.TrimSpace([]byte(out)), []byte("\n")), 1)
}

func TestCampaignsShow(t *testing.T) {
	cfg := testConfig(t)
	withConfig(t, cfg)
	done, failed := seedRegistry(t, cfg.Registry.Dir)

	out, err := runCampaignsCmd(t, runCampaignsShow, false, "aaaa")
	require.NoError(t, err)
	assert.Contains(t, out, done.CampaignID)
	assert.Contains(t, out, "success")
	assert.Contains(t, out, "/tmp/r.json")
	assert.Contains(t, out, "7.5")

	out, err = runCampaignsCmd(t, runCampaignsShow, true, failed.CampaignID)
	require.NoError(t, err)
	var got jobregistry.Record
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, jobregistry.StateFailed, got.State)
	assert.Equal(t, "upload failed", got.Error)

	_, err = runCampaignsCmd(t, runCampaignsShow, false, "zzzz")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitFileNotFound, exitCode(t, err))
}

func TestShortIDAndOrDash(t *testing.T) {
	assert.Equal(t, "abcdefgh", shortID("abcdefgh-1234"))
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "-", orDash(""))
	assert.Equal(t, "x", orDash("x"))
}
