// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockAdvance(t *testing.T) {
	start := time.Unix(1700000000, 0)
	clk := NewMock(start)
	assert.Equal(t, start, clk.Now())

	clk.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), clk.Now())

	clk.Set(start)
	assert.Equal(t, start, clk.Now())
}

func TestMockTicker(t *testing.T) {
	clk := NewMock(time.Unix(1700000000, 0))
	tk := clk.NewTicker(time.Second)
	defer tk.Stop()

	select {
	case <-tk.Chan():
		t.Fatal("tick before any advance")
	default:
	}

	clk.Advance(time.Second)
	select {
	case <-tk.Chan():
	default:
		t.Fatal("no tick after a full period")
	}

	// Several elapsed periods coalesce into one pending tick.
	clk.Advance(5 * time.Second)
	select {
	case <-tk.Chan():
	default:
		t.Fatal("no tick after several periods")
	}
	select {
	case <-tk.Chan():
		t.Fatal("elapsed periods did not coalesce")
	default:
	}

	tk.Stop()
	clk.Advance(time.Second)
	select {
	case <-tk.Chan():
		t.Fatal("tick after stop")
	default:
	}
}

func TestRealTicker(t *testing.T) {
	tk := New().NewTicker(5 * time.Millisecond)
	defer tk.Stop()
	select {
	case <-tk.Chan():
	case <-time.After(time.Second):
		t.Fatal("real ticker never fired")
	}
}
