// internal/service/inventory/infrastructure/mapper.go
package infrastructure

import "bastion/internal/service/inventory"

func toDomainStock(model *StockModel) inventory.StockRecord {
	return inventory.StockRecord{
		ProductID: model.ProductID,
		OnHand:    model.OnHand,
		Version:   model.Version,
	}
}

func toDomainHold(model *HoldModel) inventory.Hold {
	return inventory.Hold{
		ID:        model.HoldID,
		ProductID: model.ProductID,
		Quantity:  model.Quantity,
		Status:    inventory.HoldStatus(model.Status),
		CreatedAt: model.HeldAt,
	}
}

func fromDomainHold(hold inventory.Hold) *HoldModel {
	return &HoldModel{
		HoldID:    hold.ID,
		ProductID: hold.ProductID,
		Quantity:  hold.Quantity,
		Status:    string(hold.Status),
		HeldAt:    hold.CreatedAt,
	}
}

func toDomainReservation(model *ReservationModel) inventory.Reservation {
	return inventory.Reservation{
		ID:        model.ReservationID,
		ProductID: model.ProductID,
		HolderID:  model.HolderID,
		Quantity:  model.Quantity,
		HoldID:    model.HoldID,
		Status:    inventory.ReservationStatus(model.Status),
		CreatedAt: model.ReservedAt,
		ExpiresAt: model.ExpiresAt,
	}
}

func fromDomainReservation(res inventory.Reservation) *ReservationModel {
	return &ReservationModel{
		ReservationID: res.ID,
		ProductID:     res.ProductID,
		HolderID:      res.HolderID,
		Quantity:      res.Quantity,
		HoldID:        res.HoldID,
		Status:        string(res.Status),
		ReservedAt:    res.CreatedAt,
		ExpiresAt:     res.ExpiresAt,
	}
}
