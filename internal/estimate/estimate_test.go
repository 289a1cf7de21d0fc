package estimate

import "testing"

func TestWaitMinutes(t *testing.T) {
	cases := []struct {
		position int
		counters int
		want     int
	}{
		{1, 1, 10},
		{4, 2, 20},
		{5, 0, 50},
		{1, 3, 4},
		{7, 3, 24},
		{0, 2, 0},
	}
	for _, tt := range cases {
		if got := WaitMinutes(tt.position, tt.counters); got != tt.want {
			t.Fatalf("WaitMinutes(%d, %d)=%d, want %d", tt.position, tt.counters, got, tt.want)
		}
	}
}

func TestEstimatorCustomMinutes(t *testing.T) {
	e := Estimator{ServiceMinutes: 6}
	if got := e.WaitMinutes(3, 2); got != 9 {
		t.Fatalf("expected 9, got %d", got)
	}
	if got := (Estimator{}).WaitMinutes(2, 1); got != 20 {
		t.Fatalf("zero value should fall back to default, got %d", got)
	}
}

func TestUrgencyFor(t *testing.T) {
	cases := map[int]string{
		1:  UrgencyImminent,
		2:  UrgencyImminent,
		3:  UrgencyApproaching,
		5:  UrgencyApproaching,
		6:  UrgencyNormal,
		40: UrgencyNormal,
	}
	for position, want := range cases {
		if got := UrgencyFor(position); got != want {
			t.Fatalf("UrgencyFor(%d)=%q, want %q", position, got, want)
		}
	}
}
