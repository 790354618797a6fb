package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgennis/managebackups/internal/config"
	"github.com/rgennis/managebackups/internal/orchestrator"
)

func TestSelectProfileFindsByTitle(t *testing.T) {
	profiles := []*config.Profile{config.NewProfile("a"), config.NewProfile("b")}
	got, err := selectProfile(profiles, "b")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Title)
}

func TestSelectProfileRequiresATitle(t *testing.T) {
	_, err := selectProfile([]*config.Profile{config.NewProfile("a")}, "")
	assert.Error(t, err)
}

func TestSelectProfileErrorsOnUnknownTitle(t *testing.T) {
	_, err := selectProfile([]*config.Profile{config.NewProfile("a")}, "nope")
	assert.Error(t, err)
}

func TestSummarizeReturnsErrorWhenAnyProfileFailed(t *testing.T) {
	results := []orchestrator.Result{
		{Profile: "a", Success: true},
		{Profile: "b", Success: false},
	}
	assert.Error(t, summarize(results))
}

func TestSummarizeSucceedsWhenAllProfilesSucceed(t *testing.T) {
	results := []orchestrator.Result{
		{Profile: "a", Success: true},
		{Profile: "b", Success: true},
	}
	assert.NoError(t, summarize(results))
}
