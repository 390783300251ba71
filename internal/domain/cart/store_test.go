package cart

import (
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func newProduct(id string, price string, stock int) Line {
	return Line{
		ID:             id,
		Name:           "Product " + id,
		Kind:           KindProduct,
		UnitPrice:      d(price),
		AvailableStock: stock,
	}
}

func newService(id string, price string) Line {
	return Line{
		ID:        id,
		Name:      "Service " + id,
		Kind:      KindService,
		UnitPrice: d(price),
	}
}

func newStore() *Store {
	return NewStore(Preferences{
		WholesaleRate: d("0.15"),
		TaxRate:       d("0.21"),
	})
}

func TestStore_AddMergesSameKey(t *testing.T) {
	s := newStore()

	require.NoError(t, s.Add(newProduct("p1", "10", 10), 2))
	require.NoError(t, s.Add(newProduct("p1", "10", 10), 3))

	snap := s.Snapshot()
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, 5, snap.Lines[0].Quantity)
	assert.Equal(t, "p1", snap.Lines[0].StockID)
}

func TestStore_AddDifferentVariantsAreSeparateLines(t *testing.T) {
	s := newStore()

	red := newProduct("shirt", "20", 5)
	red.Variant = "red"
	blue := newProduct("shirt", "20", 5)
	blue.Variant = "blue"

	require.NoError(t, s.Add(red, 1))
	require.NoError(t, s.Add(blue, 1))

	snap := s.Snapshot()
	require.Len(t, snap.Lines, 2)
	assert.Equal(t, Key{ID: "shirt", Variant: "red"}, snap.Lines[0].Key())
	assert.Equal(t, Key{ID: "shirt", Variant: "blue"}, snap.Lines[1].Key())
}

func TestStore_AddClampsToStock(t *testing.T) {
	s := newStore()

	require.NoError(t, s.Add(newProduct("p1", "10", 3), 2))
	require.NoError(t, s.Add(newProduct("p1", "10", 3), 5))

	line, ok := s.Snapshot().Line(Key{ID: "p1"})
	require.True(t, ok)
	assert.Equal(t, 3, line.Quantity)
}

func TestStore_AddOutOfStock(t *testing.T) {
	s := newStore()
	require.NoError(t, s.Add(newProduct("p2", "5", 1), 1))

	err := s.Add(newProduct("p1", "10", 0), 1)
	require.ErrorIs(t, err, ErrOutOfStock)

	snap := s.Snapshot()
	require.Len(t, snap.Lines, 1, "failed add must not change the cart")
	assert.Equal(t, "p2", snap.Lines[0].ID)
}

func TestStore_AddServiceIgnoresStock(t *testing.T) {
	s := newStore()

	require.NoError(t, s.Add(newService("repair", "50"), 7))

	line, ok := s.Snapshot().Line(Key{ID: "repair"})
	require.True(t, ok)
	assert.Equal(t, 7, line.Quantity)
}

func TestStore_AddInvalid(t *testing.T) {
	tests := []struct {
		name    string
		line    Line
		qty     int
		wantErr error
	}{
		{
			name:    "zero quantity",
			line:    newProduct("p1", "10", 5),
			qty:     0,
			wantErr: ErrInvalidQuantity,
		},
		{
			name: "service with wholesale price",
			line: func() Line {
				l := newService("s1", "10")
				wp := d("5")
				l.WholesalePrice = &wp
				return l
			}(),
			qty: 1,
		},
		{
			name: "negative price",
			line: newProduct("p1", "-1", 5),
			qty:  1,
		},
		{
			name: "unknown kind",
			line: Line{ID: "x", UnitPrice: d("1")},
			qty:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore()
			err := s.Add(tt.line, tt.qty)
			require.Error(t, err)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				var lineErr *InvalidLineError
				require.True(t, errors.As(err, &lineErr))
			}
			assert.Zero(t, s.Len())
		})
	}
}

func TestStore_Update(t *testing.T) {
	s := newStore()
	require.NoError(t, s.Add(newProduct("p1", "10", 4), 1))

	require.NoError(t, s.Update(Key{ID: "p1"}, 10))
	line, _ := s.Snapshot().Line(Key{ID: "p1"})
	assert.Equal(t, 4, line.Quantity, "update clamps to available stock")

	require.NoError(t, s.Update(Key{ID: "p1"}, 0))
	assert.Zero(t, s.Len(), "quantity 0 removes the line")

	require.ErrorIs(t, s.Update(Key{ID: "p1"}, 1), ErrLineNotFound)
}

func TestStore_UpdateNegativeRemoves(t *testing.T) {
	s := newStore()
	require.NoError(t, s.Add(newService("s1", "10"), 2))

	require.NoError(t, s.Update(Key{ID: "s1"}, -3))
	assert.Zero(t, s.Len())
}

func TestStore_Remove(t *testing.T) {
	s := newStore()
	require.NoError(t, s.Add(newProduct("p1", "10", 4), 1))
	require.NoError(t, s.Add(newService("s1", "10"), 1))

	require.NoError(t, s.Remove(Key{ID: "p1"}))
	require.ErrorIs(t, s.Remove(Key{ID: "p1"}), ErrLineNotFound)

	snap := s.Snapshot()
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, "s1", snap.Lines[0].ID)
}

func TestStore_Clear(t *testing.T) {
	t.Run("keep preferences", func(t *testing.T) {
		s := newStore()
		require.NoError(t, s.Add(newProduct("p1", "10", 4), 1))
		s.ToggleWholesale(true)
		s.SetGeneralDiscount(d("10"))

		s.Clear(true)

		snap := s.Snapshot()
		assert.True(t, snap.IsEmpty())
		assert.True(t, snap.Wholesale)
		assert.True(t, d("10").Equal(snap.GeneralDiscount))
	})

	t.Run("reset preferences", func(t *testing.T) {
		s := newStore()
		require.NoError(t, s.Add(newProduct("p1", "10", 4), 1))
		s.ToggleWholesale(true)
		s.SetGeneralDiscount(d("10"))
		s.SetTax(d("0.10"), true)

		s.Clear(false)

		snap := s.Snapshot()
		assert.True(t, snap.IsEmpty())
		assert.False(t, snap.Wholesale)
		assert.True(t, snap.GeneralDiscount.IsZero())
		assert.Equal(t, SourceNone, snap.DiscountSource)
		assert.True(t, d("0.21").Equal(snap.TaxRate))
		assert.False(t, snap.PricesIncludeTax)
	})
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	s := newStore()
	l := newProduct("p1", "10", 4)
	wp := d("8")
	l.WholesalePrice = &wp
	require.NoError(t, s.Add(l, 1))

	snap := s.Snapshot()
	snap.Lines[0].Quantity = 99
	*snap.Lines[0].WholesalePrice = d("1")

	again := s.Snapshot()
	assert.Equal(t, 1, again.Lines[0].Quantity)
	assert.True(t, d("8").Equal(*again.Lines[0].WholesalePrice))
}

func TestStore_ApplyAdjustmentsIsAtomic(t *testing.T) {
	s := newStore()
	require.NoError(t, s.Add(newProduct("p1", "10", 4), 1))

	err := s.ApplyAdjustments(map[Key]Adjustment{
		{ID: "p1"}:      {DiscountPercent: d("20"), PromoCode: "SAVE20"},
		{ID: "missing"}: {DiscountPercent: d("20")},
	})
	require.ErrorIs(t, err, ErrLineNotFound)

	line, _ := s.Snapshot().Line(Key{ID: "p1"})
	assert.True(t, line.DiscountPercent.IsZero())
	assert.Empty(t, line.PromoCode)

	require.NoError(t, s.ApplyAdjustments(map[Key]Adjustment{
		{ID: "p1"}: {DiscountPercent: d("150"), PromoCode: "SAVE20"},
	}))
	line, _ = s.Snapshot().Line(Key{ID: "p1"})
	assert.True(t, d("100").Equal(line.DiscountPercent), "discount is clamped to 100")
	assert.Equal(t, "SAVE20", line.PromoCode)
}

func TestStore_VIPDiscountPrecedence(t *testing.T) {
	t.Run("vip applies when no manual discount", func(t *testing.T) {
		s := newStore()
		assert.True(t, s.ApplyVIPDiscount(d("5")))

		snap := s.Snapshot()
		assert.True(t, d("5").Equal(snap.GeneralDiscount))
		assert.Equal(t, SourceVIP, snap.DiscountSource)
	})

	t.Run("manual discount wins over vip", func(t *testing.T) {
		s := newStore()
		s.SetGeneralDiscount(d("10"))
		assert.False(t, s.ApplyVIPDiscount(d("5")))

		snap := s.Snapshot()
		assert.True(t, d("10").Equal(snap.GeneralDiscount))
		assert.Equal(t, SourceManual, snap.DiscountSource)
	})

	t.Run("manual discount replaces vip", func(t *testing.T) {
		s := newStore()
		s.ApplyVIPDiscount(d("5"))
		s.SetGeneralDiscount(d("12"))

		snap := s.Snapshot()
		assert.True(t, d("12").Equal(snap.GeneralDiscount))
		assert.Equal(t, SourceManual, snap.DiscountSource)
	})
}

func TestStore_RefreshStock(t *testing.T) {
	s := newStore()
	require.NoError(t, s.Add(newProduct("p1", "10", 5), 3))

	s.RefreshStock("p1", 1)

	line, _ := s.Snapshot().Line(Key{ID: "p1"})
	assert.Equal(t, 3, line.Quantity, "existing quantity is kept")
	assert.Equal(t, 1, line.AvailableStock)

	require.NoError(t, s.Update(Key{ID: "p1"}, 3))
	line, _ = s.Snapshot().Line(Key{ID: "p1"})
	assert.Equal(t, 1, line.Quantity, "next update clamps to the refreshed stock")
}

func TestStore_Commit(t *testing.T) {
	t.Run("success clears lines", func(t *testing.T) {
		s := newStore()
		s.ToggleWholesale(true)
		require.NoError(t, s.Add(newProduct("p1", "10", 5), 1))

		var seen Snapshot
		err := s.Commit(func(snap Snapshot) error {
			seen = snap
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, seen.Lines, 1)
		assert.Zero(t, s.Len())
		assert.True(t, s.Snapshot().Wholesale, "commit keeps preferences")
	})

	t.Run("success drops customer discount", func(t *testing.T) {
		for _, apply := range []func(*Store){
			func(s *Store) { s.SetGeneralDiscount(decimal.NewFromInt(10)) },
			func(s *Store) { s.ApplyVIPDiscount(decimal.NewFromInt(5)) },
		} {
			s := newStore()
			s.SetTax(decimal.RequireFromString("0.21"), false)
			require.NoError(t, s.Add(newProduct("p1", "10", 5), 1))
			apply(s)

			require.NoError(t, s.Commit(func(Snapshot) error { return nil }))
			snap := s.Snapshot()
			assert.True(t, snap.GeneralDiscount.IsZero(), "discount %s", snap.GeneralDiscount)
			assert.Equal(t, SourceNone, snap.DiscountSource)
			assert.True(t, decimal.RequireFromString("0.21").Equal(snap.TaxRate), "tax is a register setting")
		}
	})

	t.Run("failure keeps lines", func(t *testing.T) {
		s := newStore()
		require.NoError(t, s.Add(newProduct("p1", "10", 5), 1))
		s.SetGeneralDiscount(decimal.NewFromInt(10))

		boom := errors.New("boom")
		err := s.Commit(func(Snapshot) error { return boom })
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 1, s.Len())
		assert.True(t, decimal.NewFromInt(10).Equal(s.Snapshot().GeneralDiscount))
	})
}

func TestStore_Adjust(t *testing.T) {
	s := newStore()
	require.NoError(t, s.Add(newProduct("p1", "10", 4), 1))

	err := s.Adjust(func(snap Snapshot) (map[Key]Adjustment, error) {
		require.Len(t, snap.Lines, 1)
		return map[Key]Adjustment{{ID: "p1"}: {DiscountPercent: d("15"), PromoCode: "TEN"}}, nil
	})
	require.NoError(t, err)

	line, _ := s.Snapshot().Line(Key{ID: "p1"})
	assert.True(t, d("15").Equal(line.DiscountPercent))
	assert.Equal(t, "TEN", line.PromoCode)

	boom := errors.New("boom")
	err = s.Adjust(func(Snapshot) (map[Key]Adjustment, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	line, _ = s.Snapshot().Line(Key{ID: "p1"})
	assert.True(t, d("15").Equal(line.DiscountPercent), "failed plan leaves the cart as is")
}
