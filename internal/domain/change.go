package domain

import (
	"errors"
	"fmt"
)

// ErrUnknownChangeType is returned when decoding a change type that is not part of the closed set
var ErrUnknownChangeType = errors.New("unknown change type")

// ChangeType identifies the kind of event recorded in the change log
type ChangeType string

const (
	ChangePriceIncrease      ChangeType = "PRICE_INCREASE"
	ChangePriceDecrease      ChangeType = "PRICE_DECREASE"
	ChangeQuantityIncrease   ChangeType = "QUANTITY_INCREASE"
	ChangeQuantityDecrease   ChangeType = "QUANTITY_DECREASE"
	ChangeNewItem            ChangeType = "NEW_ITEM"
	ChangeItemRemoved        ChangeType = "ITEM_REMOVED"
	ChangeSellerNew          ChangeType = "SELLER_NEW"
	ChangeSellerRemoved      ChangeType = "SELLER_REMOVED"
	ChangeNewCombination     ChangeType = "NEW_COMBINATION"
	ChangeSaleDetected       ChangeType = "SALE_DETECTED"
	ChangeCombinationRemoved ChangeType = "COMBINATION_REMOVED"
)

var knownChangeTypes = map[ChangeType]struct{}{
	ChangePriceIncrease:      {},
	ChangePriceDecrease:      {},
	ChangeQuantityIncrease:   {},
	ChangeQuantityDecrease:   {},
	ChangeNewItem:            {},
	ChangeItemRemoved:        {},
	ChangeSellerNew:          {},
	ChangeSellerRemoved:      {},
	ChangeNewCombination:     {},
	ChangeSaleDetected:       {},
	ChangeCombinationRemoved: {},
}

// ParseChangeType strictly decodes a stored change type
func ParseChangeType(s string) (ChangeType, error) {
	ct := ChangeType(s)
	if _, ok := knownChangeTypes[ct]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownChangeType, s)
	}
	return ct, nil
}

// Valid reports whether the change type belongs to the closed set
func (c ChangeType) Valid() bool {
	_, ok := knownChangeTypes[c]
	return ok
}

// UnmarshalText rejects values outside the closed set
func (c *ChangeType) UnmarshalText(text []byte) error {
	ct, err := ParseChangeType(string(text))
	if err != nil {
		return err
	}
	*c = ct
	return nil
}
