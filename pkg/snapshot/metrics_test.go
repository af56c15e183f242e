package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tankwatch/tankwatch/pkg/types"
)

func f(v float64) *float64 { return &v }

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestComputeMetrics(t *testing.T) {
	reading := ts("2026-03-01T00:00:00Z")
	delivery := &types.Delivery{
		OrderID:        "1001",
		Date:           *ts("2026-02-01T00:00:00Z"),
		Gallons:        f(400),
		PricePerGallon: f(2.50),
	}

	t.Run("FullInputs", func(t *testing.T) {
		m := ComputeMetrics(f(500), f(57), reading, delivery)
		require.NotNil(t, m.EstimatedGallons)
		assert.Equal(t, 285.0, *m.EstimatedGallons)
		require.NotNil(t, m.EstimatedValue)
		assert.Equal(t, 712.5, *m.EstimatedValue)
		require.NotNil(t, m.GallonsUsedSinceFill)
		assert.Equal(t, 115.0, *m.GallonsUsedSinceFill)
		require.NotNil(t, m.EstimatedUsageCost)
		assert.Equal(t, 287.5, *m.EstimatedUsageCost)
	})

	t.Run("Rounding", func(t *testing.T) {
		m := ComputeMetrics(f(330), f(33.3), reading, nil)
		require.NotNil(t, m.EstimatedGallons)
		assert.Equal(t, 110.0, *m.EstimatedGallons)
	})

	t.Run("NoDelivery", func(t *testing.T) {
		m := ComputeMetrics(f(500), f(57), reading, nil)
		require.NotNil(t, m.EstimatedGallons)
		assert.Nil(t, m.EstimatedValue)
		assert.Nil(t, m.GallonsUsedSinceFill)
		assert.Nil(t, m.EstimatedUsageCost)
	})

	t.Run("MissingCapacity", func(t *testing.T) {
		m := ComputeMetrics(nil, f(57), reading, delivery)
		assert.Equal(t, types.DerivedMetrics{}, m)
	})

	t.Run("MissingPercent", func(t *testing.T) {
		m := ComputeMetrics(f(500), nil, reading, delivery)
		assert.Equal(t, types.DerivedMetrics{}, m)
	})

	t.Run("DeliveryAfterReading", func(t *testing.T) {
		late := &types.Delivery{
			Date:           *ts("2026-04-01T00:00:00Z"),
			Gallons:        f(400),
			PricePerGallon: f(2.50),
		}
		m := ComputeMetrics(f(500), f(57), reading, late)
		require.NotNil(t, m.EstimatedGallons)
		require.NotNil(t, m.EstimatedValue, "value only needs price, not order ordering")
		assert.Nil(t, m.GallonsUsedSinceFill, "a fill newer than the reading must not produce usage")
		assert.Nil(t, m.EstimatedUsageCost)
	})

	t.Run("NoReadingDate", func(t *testing.T) {
		m := ComputeMetrics(f(500), f(57), nil, delivery)
		assert.Nil(t, m.GallonsUsedSinceFill)
	})

	t.Run("NegativeUsageClampsToZero", func(t *testing.T) {
		small := &types.Delivery{
			Date:           *ts("2026-02-01T00:00:00Z"),
			Gallons:        f(100),
			PricePerGallon: f(2.50),
		}
		m := ComputeMetrics(f(500), f(57), reading, small)
		require.NotNil(t, m.GallonsUsedSinceFill)
		assert.Equal(t, 0.0, *m.GallonsUsedSinceFill)
		require.NotNil(t, m.EstimatedUsageCost)
		assert.Equal(t, 0.0, *m.EstimatedUsageCost)
	})

	t.Run("NoPrice", func(t *testing.T) {
		noPrice := &types.Delivery{
			Date:    *ts("2026-02-01T00:00:00Z"),
			Gallons: f(400),
		}
		m := ComputeMetrics(f(500), f(57), reading, noPrice)
		assert.Nil(t, m.EstimatedValue)
		require.NotNil(t, m.GallonsUsedSinceFill)
		assert.Equal(t, 115.0, *m.GallonsUsedSinceFill)
		assert.Nil(t, m.EstimatedUsageCost)
	})
}
