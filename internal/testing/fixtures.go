package testing

import (
	"time"

	"github.com/aristath/marketwatch/internal/domain"
)

// FullObservation builds a full-processing observation with price and quantity
func FullObservation(seller, item string, price float64, quantity int) domain.ItemObservation {
	return domain.ItemObservation{
		SellerName:     seller,
		ItemName:       item,
		Price:          &price,
		Quantity:       &quantity,
		Hotkey:         "F1",
		ProcessingType: domain.ProcessingFull,
		ObservedAt:     time.Now(),
	}
}

// MinimalObservation builds a presence-only observation
func MinimalObservation(seller, item string) domain.ItemObservation {
	return domain.ItemObservation{
		SellerName:     seller,
		ItemName:       item,
		Hotkey:         "F2",
		ProcessingType: domain.ProcessingMinimal,
		ObservedAt:     time.Now(),
	}
}

// FullResult wraps observations in a full-processing ParsingResult
func FullResult(items ...domain.ItemObservation) domain.ParsingResult {
	return domain.ParsingResult{
		Items:          items,
		Hotkey:         "F1",
		ProcessingType: domain.ProcessingFull,
	}
}

// MinimalResult wraps observations in a minimal-processing ParsingResult
func MinimalResult(items ...domain.ItemObservation) domain.ParsingResult {
	return domain.ParsingResult{
		Items:          items,
		Hotkey:         "F2",
		ProcessingType: domain.ProcessingMinimal,
	}
}
