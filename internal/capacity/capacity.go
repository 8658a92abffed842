// Package capacity decides whether physical items fit inside a locker.
//
// A locker is a cube subdivided into a 3x3x3 grid of 15 cm cells, 27
// slots total, and additionally bounded by a hard 125,000 cm^3 volume
// ceiling carried over from the legacy quantity-claim path. Both
// constraints must hold for a booking to pass.
package capacity

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"locker-service/internal/models"
)

const (
	// SlotCellCM is the edge length of one capacity grid cell.
	SlotCellCM = 15.0
	// SlotsPerLocker is the total cell count of the 3x3x3 grid.
	SlotsPerLocker = 27
	// MaxVolumeCM3 is the locker's hard volume ceiling (50x50x50 cm).
	MaxVolumeCM3 = 125000.0
)

// ErrMissingDimensions is returned when no resolution source yields a
// strictly-positive box. Allocation decisions never fall back to a
// default box.
var ErrMissingDimensions = errors.New("missing dimensions")

// SlotsFor converts a bounding box into grid slots: per axis
// ceil(length/15), multiplied across the three axes. Irregular items
// are over-approximated by their bounding box on purpose.
func SlotsFor(d models.Dimensions) int {
	return axisSlots(d.Length) * axisSlots(d.Width) * axisSlots(d.Height)
}

func axisSlots(cm float64) int {
	n := int(math.Ceil(cm / SlotCellCM))
	if n < 1 {
		n = 1
	}
	return n
}

// VolumeFor returns the bounding-box volume in cm^3.
func VolumeFor(d models.Dimensions) float64 {
	return d.Length * d.Width * d.Height
}

// ProductInfo is the catalog input to dimension resolution: the base
// box plus the product's variant attributes with their options.
type ProductInfo struct {
	Product    *models.Product
	Attributes []models.VariantAttribute
}

// ResolveDimensions picks the effective box for one item. Precedence:
//
//  1. an explicit per-request override,
//  2. the dimensions of the selected option of a dimension-defining
//     variant attribute (first attribute by declaration order wins),
//  3. the product's base dimensions.
//
// Exactly one source must resolve to a strictly-positive triple or the
// item is rejected with ErrMissingDimensions.
func ResolveDimensions(info ProductInfo, selections models.VariantSelections, override *models.Dimensions) (models.Dimensions, error) {
	if override != nil {
		if !override.Positive() {
			return models.Dimensions{}, fmt.Errorf("product %d: non-positive override: %w", info.Product.ID, ErrMissingDimensions)
		}
		return *override, nil
	}

	if d, ok := variantDimensions(info.Attributes, selections); ok {
		if !d.Positive() {
			return models.Dimensions{}, fmt.Errorf("product %d: non-positive variant dimensions: %w", info.Product.ID, ErrMissingDimensions)
		}
		return d, nil
	}

	base := info.Product.BaseDimensions()
	if !base.Positive() {
		return models.Dimensions{}, fmt.Errorf("product %d: %w", info.Product.ID, ErrMissingDimensions)
	}
	return base, nil
}

// variantDimensions scans dimension-defining attributes in declaration
// order and returns the box of the first selected option that carries
// one. Attributes not flagged dimension-defining never participate,
// even when their options carry boxes.
func variantDimensions(attrs []models.VariantAttribute, selections models.VariantSelections) (models.Dimensions, bool) {
	if len(selections) == 0 {
		return models.Dimensions{}, false
	}
	ordered := make([]models.VariantAttribute, len(attrs))
	copy(ordered, attrs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	for _, attr := range ordered {
		if !attr.DimensionDefining {
			continue
		}
		selected, ok := selections[attr.Name]
		if !ok {
			continue
		}
		for _, opt := range attr.Options {
			if opt.Value != selected {
				continue
			}
			if d, ok := opt.OptionDimensions(); ok {
				return d, true
			}
		}
	}
	return models.Dimensions{}, false
}

// ItemFootprint is one item's computed capacity demand.
type ItemFootprint struct {
	IndividualProductID int64
	ProductID           int64
	Dimensions          models.Dimensions
	Slots               int
	VolumeCM3           float64
	Quantity            int
}

// FootprintFor computes the capacity demand for one resolved box.
func FootprintFor(individualProductID, productID int64, d models.Dimensions) ItemFootprint {
	return ItemFootprint{
		IndividualProductID: individualProductID,
		ProductID:           productID,
		Dimensions:          d,
		Slots:               SlotsFor(d),
		VolumeCM3:           VolumeFor(d),
		Quantity:            1,
	}
}

// ExceededError reports a locker whose combined demand breaks either
// the slot grid or the volume ceiling.
type ExceededError struct {
	LockerNumber   int
	SlotsRequired  int
	SlotsLimit     int
	VolumeRequired float64
	VolumeLimit    float64
}

func (e *ExceededError) Error() string {
	if e.SlotsRequired > e.SlotsLimit {
		return fmt.Sprintf("locker %d: %d slots required, %d available", e.LockerNumber, e.SlotsRequired, e.SlotsLimit)
	}
	return fmt.Sprintf("locker %d: %.0f cm3 required, %.0f cm3 available", e.LockerNumber, e.VolumeRequired, e.VolumeLimit)
}

// CheckFit verifies that the combined footprint fits one locker. Both
// the 27-slot grid and the volume ceiling must hold; the legacy paths
// applied them inconsistently, here they are a unified check.
func CheckFit(lockerNumber int, items []ItemFootprint) error {
	var slots int
	var volume float64
	for _, it := range items {
		q := it.Quantity
		if q < 1 {
			q = 1
		}
		slots += it.Slots * q
		volume += it.VolumeCM3 * float64(q)
	}
	if slots > SlotsPerLocker || volume > MaxVolumeCM3 {
		return &ExceededError{
			LockerNumber:   lockerNumber,
			SlotsRequired:  slots,
			SlotsLimit:     SlotsPerLocker,
			VolumeRequired: volume,
			VolumeLimit:    MaxVolumeCM3,
		}
	}
	return nil
}
