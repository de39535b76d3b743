package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_Forward(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateFetching, true},
		{StateFetching, StateExtracting, true},
		{StateExtracting, StateExtracted, true},
		{StateExtracted, StateValidating, true},
		{StateValidating, StateValidated, true},
		{StateValidating, StateRejected, true},
		{StateValidated, StateExported, true},

		{StatePending, StateExtracted, false},
		{StateExtracting, StateFetching, false},
		{StateValidated, StateValidating, false},
		{StateExtracted, StateValidated, false},
		{StateValidating, StateExtracted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanTransition_FailedEscape(t *testing.T) {
	for _, s := range AllStates {
		if s.Terminal() {
			assert.False(t, CanTransition(s, StateFailed), "terminal %s", s)
			continue
		}
		assert.True(t, CanTransition(s, StateFailed), "non-terminal %s", s)
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range AllStates {
		for _, to := range AllStates {
			if s.Terminal() {
				assert.False(t, CanTransition(s, to), "%s -> %s", s, to)
			}
		}
	}
	assert.True(t, StateExported.Terminal())
	assert.True(t, StateRejected.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateValidated.Terminal())
}

func TestStateInFlight(t *testing.T) {
	assert.True(t, StatePending.InFlight())
	assert.True(t, StateValidating.InFlight())
	assert.False(t, StateExtracted.InFlight())
	assert.False(t, StateValidated.InFlight())
	assert.False(t, StateFailed.InFlight())
}

func TestExtractionActive(t *testing.T) {
	superseded := int64(9)
	assert.True(t, Extraction{State: StateExtracted}.Active())
	assert.False(t, Extraction{State: StateExtracted, SupersededBy: &superseded}.Active())
	assert.False(t, Extraction{State: StateFailed}.Active())
}

func TestExtractionClaimed(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	assert.True(t, Extraction{State: StateValidating, ClaimToken: "tok", ClaimExpiresAt: &later}.Claimed(now))
	assert.False(t, Extraction{State: StateValidating, ClaimToken: "tok", ClaimExpiresAt: &earlier}.Claimed(now))
	assert.False(t, Extraction{State: StateValidating}.Claimed(now))
	assert.False(t, Extraction{State: StateExtracted, ClaimToken: "tok", ClaimExpiresAt: &later}.Claimed(now))
}

func TestEntitySourceURL(t *testing.T) {
	e := Entity{WebsiteURL: "https://smith.house.gov"}
	assert.Equal(t, "https://smith.house.gov", e.SourceURL())

	e.ContactURL = " https://smith.house.gov/contact "
	assert.Equal(t, "https://smith.house.gov/contact", e.SourceURL())
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Jane Smith", DisplayName(" Jane", "Smith "))
	assert.Equal(t, "Smith", DisplayName("", "Smith"))
}
