package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDonationAmount(t *testing.T) {
	// floor(A*P/100) with a floor of one unit
	assert.Equal(t, int64(50), donationAmount(1000, 5, 10))
	assert.Equal(t, int64(1), donationAmount(150, 1, 10)) // floor would be 1 anyway
	assert.Equal(t, int64(1), donationAmount(30, 1, 10))  // rounds down to 0, floored to 1

	// capped at the configured share
	assert.Equal(t, int64(100), donationAmount(1000, 50, 10))

	// zero percent means no donation at all
	assert.Equal(t, int64(0), donationAmount(1000, 0, 10))

	// tiny amounts cannot afford even the one unit floor within the cap
	assert.Equal(t, int64(0), donationAmount(5, 1, 10))
}
