package snapshot

import (
	"math"
	"time"

	"github.com/tankwatch/tankwatch/pkg/types"
)

// ComputeMetrics derives the usage and value figures for a tank from its
// normalized fields and its latest delivery. Every output is nil when an
// input it depends on is missing; a derived value is never reported as
// zero just because the portal omitted the data behind it.
func ComputeMetrics(fullCapacity, currentPercent *float64, readingDate *time.Time, delivery *types.Delivery) types.DerivedMetrics {
	var m types.DerivedMetrics

	if fullCapacity == nil || currentPercent == nil {
		return m
	}
	gallons := math.Round(*currentPercent / 100 * *fullCapacity)
	m.EstimatedGallons = &gallons

	if delivery == nil {
		return m
	}
	if delivery.PricePerGallon != nil {
		value := gallons * *delivery.PricePerGallon
		m.EstimatedValue = &value
	}
	if delivery.Gallons == nil {
		return m
	}
	// A delivery dated after the current reading hasn't been reflected by
	// the tank monitor yet and would yield a bogus usage number.
	if readingDate == nil || delivery.Date.After(*readingDate) {
		return m
	}

	used := math.Max(0, *delivery.Gallons-gallons)
	m.GallonsUsedSinceFill = &used

	if delivery.PricePerGallon != nil {
		cost := used * *delivery.PricePerGallon
		m.EstimatedUsageCost = &cost
	}
	return m
}
