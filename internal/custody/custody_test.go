package custody

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCustody() *Custody {
	return &Custody{
		Decimals: 6,
		Assets:   Assets{Owned: 1_000_000, Locked: 500_000},
		BorrowRate: BorrowRateParams{
			BaseRateBps:           100,
			Slope1Bps:             1000,
			Slope2Bps:             10000,
			OptimalUtilizationBps: 8000,
		},
		BorrowRateState: BorrowRateState{LastUpdate: 1_000},
	}
}

func TestGetUtilizationBps(t *testing.T) {
	c := newTestCustody()
	u, err := c.GetUtilizationBps()
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), u)
}

func TestGetUtilizationBpsEmptyCustody(t *testing.T) {
	c := &Custody{}
	u, err := c.GetUtilizationBps()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), u)
}

func TestInterestMonotonicity(t *testing.T) {
	c := newTestCustody()
	i1, err := c.GetCumulativeInterest(1_100)
	require.NoError(t, err)
	i2, err := c.GetCumulativeInterest(1_200)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, i2, i1)

	i3, err := c.GetCumulativeInterest(1_100)
	require.NoError(t, err)
	assert.Equal(t, i1, i3)
}

func TestUpdateInterestPersistsAndAdvances(t *testing.T) {
	c := newTestCustody()
	require.NoError(t, c.UpdateInterest(1_100))
	assert.Equal(t, int64(1_100), c.BorrowRateState.LastUpdate)
	first := c.BorrowRateState.CumulativeInterest
	assert.Greater(t, first, uint64(0))

	require.NoError(t, c.UpdateInterest(1_100))
	assert.Equal(t, first, c.BorrowRateState.CumulativeInterest)
}

func TestUpdateInterestRejectsTimeRegression(t *testing.T) {
	c := newTestCustody()
	require.NoError(t, c.UpdateInterest(1_100))
	_, err := c.GetCumulativeInterest(1_050)
	require.Error(t, err)
}

func TestBorrowRateAboveOptimalUtilization(t *testing.T) {
	c := newTestCustody()
	c.Assets = Assets{Owned: 1_000_000, Locked: 900_000} // 90% utilization > 80% optimal
	rate, err := c.currentRateBps(9000)
	require.NoError(t, err)

	below := c.BorrowRate.BaseRateBps + (c.BorrowRate.Slope1Bps * 8000 / 8000)
	assert.Greater(t, rate, below)
}

func TestGetLockedAmountRejectsInvalidSide(t *testing.T) {
	c := newTestCustody()
	_, err := c.GetLockedAmount(100, SideNone)
	require.Error(t, err)
}
