package service

import (
	"context"

	"locker-service/internal/capacity"
	"locker-service/internal/models"
)

// CatalogStore supplies product base dimensions and variant overrides;
// read-only input to the capacity model.
type CatalogStore interface {
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	GetVariantAttributes(ctx context.Context, productID int64) ([]models.VariantAttribute, error)
	GetIndividualProduct(ctx context.Context, id int64) (*models.IndividualProduct, error)
}

// resolvedItem pairs an appointment item with its capacity footprint
// and denormalized product data for the locker projection.
type resolvedItem struct {
	item      models.AppointmentItem
	product   *models.Product
	footprint capacity.ItemFootprint
}

// resolveItem loads the catalog data for one tracked unit and resolves
// its effective box. requestOverride takes highest precedence, then
// the unit's stored override, then variant/base resolution inside the
// capacity model.
func resolveItem(ctx context.Context, st CatalogStore, unit *models.IndividualProduct, selections models.VariantSelections, requestOverride *models.Dimensions) (*resolvedItem, error) {
	product, err := st.GetProduct(ctx, unit.ProductID)
	if err != nil {
		return nil, err
	}
	attrs, err := st.GetVariantAttributes(ctx, unit.ProductID)
	if err != nil {
		return nil, err
	}

	override := requestOverride
	if override == nil {
		if d, ok := unit.OverrideDimensions(); ok {
			override = &d
		}
	}

	dims, err := capacity.ResolveDimensions(capacity.ProductInfo{Product: product, Attributes: attrs}, selections, override)
	if err != nil {
		return nil, err
	}

	fp := capacity.FootprintFor(unit.ID, unit.ProductID, dims)
	volume := fp.VolumeCM3

	item := models.AppointmentItem{
		IndividualProductID: unit.ID,
		ProductID:           unit.ProductID,
		Quantity:            1,
		VariantSelections:   selections,
		VolumeCM3:           &volume,
	}
	if requestOverride != nil {
		item.OverrideLengthCM = &requestOverride.Length
		item.OverrideWidthCM = &requestOverride.Width
		item.OverrideHeightCM = &requestOverride.Height
	}

	return &resolvedItem{item: item, product: product, footprint: fp}, nil
}

// resolveStoredItem recomputes the footprint of an item already
// persisted on an appointment, honoring the override it was booked
// with.
func resolveStoredItem(ctx context.Context, st CatalogStore, item models.AppointmentItem) (*resolvedItem, error) {
	unit, err := st.GetIndividualProduct(ctx, item.IndividualProductID)
	if err != nil {
		return nil, err
	}

	var override *models.Dimensions
	if d, ok := item.OverrideDimensions(); ok {
		override = &d
	}

	resolved, err := resolveItem(ctx, st, unit, item.VariantSelections, override)
	if err != nil {
		return nil, err
	}
	resolved.item = item
	return resolved, nil
}

// assignmentProduct shapes one resolved item for the projection's
// denormalized product list.
func assignmentProduct(r *resolvedItem) models.AssignmentProduct {
	return models.AssignmentProduct{
		ProductID:         r.product.ID,
		Name:              r.product.Name,
		VariantSelections: r.item.VariantSelections,
		Dimensions:        r.footprint.Dimensions,
		CalculatedSlots:   r.footprint.Slots,
		Quantity:          r.footprint.Quantity,
		VolumeCM3:         r.footprint.VolumeCM3,
	}
}

// buildAssignment assembles one locker projection row from resolved
// items sharing that locker.
func buildAssignment(lockerNumber int, appt models.Appointment, user *models.User, resolved []*resolvedItem) models.LockerAssignment {
	products := make(models.AssignmentProducts, 0, len(resolved))
	totalSlots := 0
	for _, r := range resolved {
		products = append(products, assignmentProduct(r))
		totalSlots += r.footprint.Slots * r.footprint.Quantity
	}
	return models.LockerAssignment{
		LockerNumber:   lockerNumber,
		ScheduledDate:  models.DateOnly(appt.ScheduledDate),
		TimeSlot:       appt.TimeSlot,
		UserID:         user.ID,
		UserName:       user.Name,
		UserEmail:      user.Email,
		AppointmentID:  appt.ID,
		Products:       products,
		TotalSlotsUsed: totalSlots,
		Status:         models.AssignmentStatusReserved,
	}
}
