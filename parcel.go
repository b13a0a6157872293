package shipz

import (
	"errors"
	"fmt"
)

// PackageSpec is the parcel quoted to the carrier.
type PackageSpec struct {
	WeightGrams int `json:"weight_grams"`
	LengthCm    int `json:"length_cm"`
	WidthCm     int `json:"width_cm"`
	HeightCm    int `json:"height_cm"`
}

// Validate requires every dimension and the weight to be at least 1.
func (p PackageSpec) Validate() error {
	switch {
	case p.WeightGrams < 1:
		return fmt.Errorf("weight must be at least 1g, got %d", p.WeightGrams)
	case p.LengthCm < 1, p.WidthCm < 1, p.HeightCm < 1:
		return errors.New("dimensions must be at least 1cm")
	}
	return nil
}

// Clamp raises the weight to the carrier's billing floor.
func (p PackageSpec) Clamp(minBillableGrams int) PackageSpec {
	if p.WeightGrams < minBillableGrams {
		p.WeightGrams = minBillableGrams
	}
	return p
}
