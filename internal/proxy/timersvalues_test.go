package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimersValues_Defaults(t *testing.T) {
	tv := NewTimersValues()

	assert.Equal(t, 2, tv.RobustnessVariable)
	assert.Equal(t, 125*time.Second, tv.QueryInterval)
	assert.Equal(t, 10*time.Second, tv.QueryResponseInterval)
	assert.Equal(t, 1*time.Second, tv.LastListenerQueryInterval)

	// MALI = RV×QI + QRI = 260s with RFC defaults.
	assert.Equal(t, 260*time.Second, tv.MulticastAddressListeningInterval())
	assert.Equal(t, 260*time.Second, tv.OlderHostPresentInterval())
	assert.Equal(t, 2, tv.LastListenerQueryCount())
	assert.Equal(t, 2, tv.StartupQueryCount())
	assert.Equal(t, 125*time.Second/4, tv.StartupQueryInterval())
}

func TestTimersValues_Overrides(t *testing.T) {
	tv := NewTimersValues()
	tv.RobustnessVariable = 3
	tv.QueryInterval = 60 * time.Second
	tv.QueryResponseInterval = 5 * time.Second

	assert.Equal(t, 185*time.Second, tv.MulticastAddressListeningInterval())
	assert.Equal(t, 3, tv.LastListenerQueryCount())
	assert.Equal(t, 15*time.Second, tv.StartupQueryInterval())
}
