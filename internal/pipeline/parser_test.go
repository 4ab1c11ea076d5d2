package pipeline

import (
	"testing"

	"github.com/aristath/marketwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineParser_Full(t *testing.T) {
	text := `# market window
Bob | Sword | 1,250 | x3 | sw-1
Ann | Ring | 99.5 | 1

Cy | Bow |  |
`
	result := NewLineParser().Parse(text, "F1", domain.ProcessingFull)

	assert.Equal(t, "F1", result.Hotkey)
	assert.Equal(t, domain.ProcessingFull, result.ProcessingType)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Items, 3)

	sword := result.Items[0]
	assert.Equal(t, "Bob", sword.SellerName)
	assert.Equal(t, "Sword", sword.ItemName)
	require.NotNil(t, sword.Price)
	assert.Equal(t, 1250.0, *sword.Price)
	require.NotNil(t, sword.Quantity)
	assert.Equal(t, 3, *sword.Quantity)
	require.NotNil(t, sword.ItemID)
	assert.Equal(t, "sw-1", *sword.ItemID)
	assert.Equal(t, "F1", sword.Hotkey)
	assert.Equal(t, domain.ProcessingFull, sword.ProcessingType)

	assert.Equal(t, 99.5, *result.Items[1].Price)
	assert.Nil(t, result.Items[1].ItemID)

	assert.Nil(t, result.Items[2].Price)
	assert.Nil(t, result.Items[2].Quantity)
}

func TestLineParser_Minimal(t *testing.T) {
	result := NewLineParser().Parse("Bob | Sword | garbage\nAnn|Ring", "F2", domain.ProcessingMinimal)

	assert.Empty(t, result.Errors)
	require.Len(t, result.Items, 2)
	for _, item := range result.Items {
		assert.Nil(t, item.Price)
		assert.Nil(t, item.Quantity)
		assert.Equal(t, domain.ProcessingMinimal, item.ProcessingType)
	}
	assert.Equal(t, "Ring", result.Items[1].ItemName)
}

func TestLineParser_Errors(t *testing.T) {
	text := "just one field\nBob | Sword | cheap | 1\nBob | Axe | 10 | many\n | Shield | 5 | 1\nAnn | Ring | 10 | 1"
	result := NewLineParser().Parse(text, "F1", domain.ProcessingFull)

	require.Len(t, result.Items, 1)
	assert.Equal(t, "Ring", result.Items[0].ItemName)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "line 1")
	assert.Contains(t, result.Errors[1], "invalid price")
	assert.Contains(t, result.Errors[2], "invalid quantity")
	assert.Contains(t, result.Errors[3], "line 4")
}

func TestLineParser_CustomSeparator(t *testing.T) {
	p := &LineParser{Separator: ";"}
	result := p.Parse("Bob;Sword;10;2", "F1", domain.ProcessingFull)

	require.Len(t, result.Items, 1)
	assert.Equal(t, 10.0, *result.Items[0].Price)
	assert.Equal(t, 2, *result.Items[0].Quantity)
}
