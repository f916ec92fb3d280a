package clock

import (
	"testing"
	"time"
)

func TestNowCoarseBeforeStart(t *testing.T) {
	c := New(0)
	now := time.Now().UnixMilli()
	got := c.NowCoarse()
	if got < now-50 || got > now+50 {
		t.Errorf("NowCoarse before Start should fall back to exact time, got %d want ~%d", got, now)
	}
}

func TestCoarseTracksExact(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.Start()
	defer c.Stop()

	time.Sleep(50 * time.Millisecond)

	coarse := c.NowCoarse()
	exact := c.NowExact()
	drift := exact - coarse
	if drift < 0 {
		t.Errorf("coarse clock ahead of exact clock by %dms", -drift)
	}
	// Allow generous slack for slow CI machines; the contract is only that
	// coarse trails exact by roughly one refresh interval.
	if drift > 1000 {
		t.Errorf("coarse clock trails exact clock by %dms", drift)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	c := New(time.Millisecond)
	c.Start()
	c.Start()
	c.Stop()
	c.Stop()

	// Still readable after Stop.
	if c.NowCoarse() == 0 {
		t.Error("NowCoarse returned zero after Stop")
	}
}
