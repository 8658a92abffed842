package capacity

import (
	"errors"
	"testing"

	"locker-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotsFor(t *testing.T) {
	tests := []struct {
		name string
		dims models.Dimensions
		want int
	}{
		{"fits one cell", models.Dimensions{Length: 10, Width: 10, Height: 10}, 1},
		{"exact cell edge", models.Dimensions{Length: 15, Width: 15, Height: 15}, 1},
		{"one axis overflows", models.Dimensions{Length: 20, Width: 15, Height: 10}, 2},
		{"two axes overflow", models.Dimensions{Length: 20, Width: 16, Height: 10}, 4},
		{"fills the locker", models.Dimensions{Length: 45, Width: 45, Height: 45}, 27},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SlotsFor(tt.dims))
		})
	}
}

func TestVolumeFor(t *testing.T) {
	v := VolumeFor(models.Dimensions{Length: 20, Width: 15, Height: 10})
	assert.Equal(t, 3000.0, v)
}

func productInfo(base models.Dimensions, attrs ...models.VariantAttribute) ProductInfo {
	return ProductInfo{
		Product: &models.Product{
			ID:       1,
			LengthCM: base.Length,
			WidthCM:  base.Width,
			HeightCM: base.Height,
		},
		Attributes: attrs,
	}
}

func dimAttr(name string, defining bool, position int, value string, d models.Dimensions) models.VariantAttribute {
	return models.VariantAttribute{
		Name:              name,
		DimensionDefining: defining,
		Position:          position,
		Options: []models.VariantOption{{
			Value:    value,
			LengthCM: &d.Length,
			WidthCM:  &d.Width,
			HeightCM: &d.Height,
		}},
	}
}

func TestResolveDimensions(t *testing.T) {
	base := models.Dimensions{Length: 10, Width: 10, Height: 10}

	t.Run("override wins over everything", func(t *testing.T) {
		info := productInfo(base, dimAttr("Size", true, 0, "L", models.Dimensions{Length: 30, Width: 30, Height: 30}))
		override := &models.Dimensions{Length: 5, Width: 5, Height: 5}

		d, err := ResolveDimensions(info, models.VariantSelections{"Size": "L"}, override)
		require.NoError(t, err)
		assert.Equal(t, *override, d)
	})

	t.Run("selected variant beats base", func(t *testing.T) {
		info := productInfo(base, dimAttr("Size", true, 0, "L", models.Dimensions{Length: 30, Width: 30, Height: 30}))

		d, err := ResolveDimensions(info, models.VariantSelections{"Size": "L"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 30.0, d.Length)
	})

	t.Run("non-defining attribute is ignored", func(t *testing.T) {
		info := productInfo(base, dimAttr("Color", false, 0, "Red", models.Dimensions{Length: 99, Width: 99, Height: 99}))

		d, err := ResolveDimensions(info, models.VariantSelections{"Color": "Red"}, nil)
		require.NoError(t, err)
		assert.Equal(t, base, d)
	})

	t.Run("first declared defining attribute wins", func(t *testing.T) {
		info := productInfo(base,
			dimAttr("Packaging", true, 1, "Boxed", models.Dimensions{Length: 40, Width: 40, Height: 40}),
			dimAttr("Size", true, 0, "M", models.Dimensions{Length: 20, Width: 20, Height: 20}),
		)
		sel := models.VariantSelections{"Size": "M", "Packaging": "Boxed"}

		d, err := ResolveDimensions(info, sel, nil)
		require.NoError(t, err)
		assert.Equal(t, 20.0, d.Length)
	})

	t.Run("no positive source is rejected", func(t *testing.T) {
		info := productInfo(models.Dimensions{})

		_, err := ResolveDimensions(info, nil, nil)
		assert.True(t, errors.Is(err, ErrMissingDimensions))
	})

	t.Run("non-positive override is rejected not defaulted", func(t *testing.T) {
		info := productInfo(base)
		override := &models.Dimensions{Length: 0, Width: 10, Height: 10}

		_, err := ResolveDimensions(info, nil, override)
		assert.True(t, errors.Is(err, ErrMissingDimensions))
	})
}

func TestCheckFit(t *testing.T) {
	small := FootprintFor(1, 1, models.Dimensions{Length: 10, Width: 10, Height: 10})

	t.Run("within both ceilings", func(t *testing.T) {
		items := []ItemFootprint{small, small, small}
		assert.NoError(t, CheckFit(3, items))
	})

	t.Run("slot grid exceeded", func(t *testing.T) {
		big := FootprintFor(2, 2, models.Dimensions{Length: 45, Width: 45, Height: 30}) // 18 slots
		err := CheckFit(5, []ItemFootprint{big, big})

		var exceeded *ExceededError
		require.True(t, errors.As(err, &exceeded))
		assert.Equal(t, 5, exceeded.LockerNumber)
		assert.Equal(t, 36, exceeded.SlotsRequired)
		assert.Equal(t, SlotsPerLocker, exceeded.SlotsLimit)
	})

	t.Run("volume ceiling reported alongside slots", func(t *testing.T) {
		oversize := FootprintFor(3, 3, models.Dimensions{Length: 60, Width: 60, Height: 60})
		err := CheckFit(1, []ItemFootprint{oversize})

		var exceeded *ExceededError
		require.True(t, errors.As(err, &exceeded))
		assert.Equal(t, 216000.0, exceeded.VolumeRequired)
		assert.Equal(t, MaxVolumeCM3, exceeded.VolumeLimit)
	})

	t.Run("quantity multiplies the footprint", func(t *testing.T) {
		fp := FootprintFor(5, 5, models.Dimensions{Length: 20, Width: 15, Height: 10}) // 2 slots
		fp.Quantity = 14                                                               // 28 slots
		err := CheckFit(2, []ItemFootprint{fp})

		var exceeded *ExceededError
		require.True(t, errors.As(err, &exceeded))
		assert.Equal(t, 28, exceeded.SlotsRequired)
	})
}
