package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContainerTransitionsAreMonotonic(t *testing.T) {
	all := []ContainerStatus{ContainerCreated, ContainerInProgress, ContainerFinished, ContainerFailed}

	assert.True(t, ContainerCreated.CanTransitionTo(ContainerInProgress))
	assert.True(t, ContainerCreated.CanTransitionTo(ContainerFinished))
	assert.True(t, ContainerInProgress.CanTransitionTo(ContainerInProgress))
	assert.True(t, ContainerInProgress.CanTransitionTo(ContainerFailed))
	assert.False(t, ContainerInProgress.CanTransitionTo(ContainerCreated))

	for _, terminal := range []ContainerStatus{ContainerFinished, ContainerFailed} {
		for _, next := range all {
			assert.Equal(t, next == terminal, terminal.CanTransitionTo(next), "%s -> %s", terminal, next)
		}
	}

	assert.False(t, ContainerStatus("bogus").CanTransitionTo(ContainerFinished))
}

func TestAggregate(t *testing.T) {
	cases := []struct {
		name string
		in   []PublishStatus
		want PublishStatus
	}{
		{"empty", nil, StatusUnpublished},
		{"all released", []PublishStatus{StatusReleased, StatusReleased}, StatusReleased},
		{"all failed", []PublishStatus{StatusFail, StatusFail}, StatusFail},
		{"mixed terminal", []PublishStatus{StatusReleased, StatusFail}, StatusPartialSuccess},
		{"one still running", []PublishStatus{StatusReleased, StatusInProgress}, StatusInProgress},
		{"queued", []PublishStatus{StatusQueued, StatusQueued}, StatusQueued},
		{"released and queued", []PublishStatus{StatusReleased, StatusQueued}, StatusInProgress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Aggregate(tc.in))
		})
	}
}

func TestExpiresWithin(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	acc := SocialAccount{TokenExpiresAt: now.Add(3 * time.Minute)}
	assert.True(t, acc.ExpiresWithin(5*time.Minute, now))
	assert.False(t, acc.ExpiresWithin(time.Minute, now))
	assert.False(t, (&SocialAccount{}).ExpiresWithin(time.Hour, now))
}

func TestUploadSessionHasPart(t *testing.T) {
	s := UploadSession{Parts: []UploadPart{{PartNumber: 1, ETag: "a"}, {PartNumber: 3, ETag: "c"}}}
	assert.True(t, s.HasPart(3))
	assert.False(t, s.HasPart(2))
}
