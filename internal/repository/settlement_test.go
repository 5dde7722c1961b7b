package repository

import (
	"testing"
	"time"
)

func TestSelectPayoutEarnings(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earnings := []payoutEarning{
		{ID: 1, NetCents: 3000, CreatedAt: base},
		{ID: 2, NetCents: 8000, CreatedAt: base.Add(time.Hour)},
		{ID: 3, NetCents: 1000, CreatedAt: base.Add(2 * time.Hour)},
	}

	tests := []struct {
		name        string
		amountCents int64
		wantIDs     []int64
		wantTotal   int64
	}{
		{
			name:        "ноль забирает все начисления",
			amountCents: 0,
			wantIDs:     []int64{1, 2, 3},
			wantTotal:   12000,
		},
		{
			name:        "не влезающее начисление пропускается, отбор продолжается",
			amountCents: 4500,
			wantIDs:     []int64{1, 3},
			wantTotal:   4000,
		},
		{
			name:        "лимит меньше самого старого начисления",
			amountCents: 2500,
			wantIDs:     []int64{3},
			wantTotal:   1000,
		},
		{
			name:        "лимит ровно на первое начисление",
			amountCents: 3000,
			wantIDs:     []int64{1},
			wantTotal:   3000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, total, _, _ := selectPayoutEarnings(earnings, tt.amountCents)
			if len(ids) != len(tt.wantIDs) {
				t.Fatalf("ids = %v, want %v", ids, tt.wantIDs)
			}
			for i := range ids {
				if ids[i] != tt.wantIDs[i] {
					t.Fatalf("ids = %v, want %v", ids, tt.wantIDs)
				}
			}
			if total != tt.wantTotal {
				t.Errorf("total = %d, want %d", total, tt.wantTotal)
			}
		})
	}
}

func TestSelectPayoutEarnings_PeriodBounds(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earnings := []payoutEarning{
		{ID: 1, NetCents: 3000, CreatedAt: base},
		{ID: 2, NetCents: 8000, CreatedAt: base.Add(time.Hour)},
		{ID: 3, NetCents: 1000, CreatedAt: base.Add(2 * time.Hour)},
	}

	// Пропущенное начисление не расширяет период: границы считаются по
	// первому и последнему отобранному.
	_, _, periodStart, periodEnd := selectPayoutEarnings(earnings, 4500)
	if !periodStart.Equal(base) {
		t.Errorf("periodStart = %v, want %v", periodStart, base)
	}
	if !periodEnd.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("periodEnd = %v, want %v", periodEnd, base.Add(2*time.Hour))
	}
}

func TestSelectPayoutEarnings_NothingFits(t *testing.T) {
	earnings := []payoutEarning{
		{ID: 1, NetCents: 5000, CreatedAt: time.Now()},
	}

	ids, total, _, _ := selectPayoutEarnings(earnings, 4999)
	if len(ids) != 0 || total != 0 {
		t.Fatalf("ids = %v, total = %d, want empty selection", ids, total)
	}

	ids, total, _, _ = selectPayoutEarnings(nil, 0)
	if len(ids) != 0 || total != 0 {
		t.Fatalf("ids = %v, total = %d, want empty selection for no earnings", ids, total)
	}
}
