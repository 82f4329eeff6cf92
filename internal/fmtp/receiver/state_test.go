package receiver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteRangeMergesAdjacent(t *testing.T) {
	p := &productState{prodSize: 3000}
	p.writeRange(0, make([]byte, 1460))
	p.writeRange(1460, make([]byte, 1460))
	assert.Equal(t, []interval{{start: 0, end: 2920}}, p.received)
}

func TestGapsDetectsMiddleHole(t *testing.T) {
	p := &productState{prodSize: 3000}
	p.writeRange(0, make([]byte, 1460))
	p.writeRange(2920, make([]byte, 80))
	gaps := p.gaps()
	assert.Equal(t, []interval{{start: 1460, end: 2920}}, gaps)
}

func TestCompleteWhenNoGaps(t *testing.T) {
	p := &productState{prodSize: 3000}
	assert.False(t, p.complete())
	p.writeRange(0, make([]byte, 3000))
	assert.True(t, p.complete())
}

func TestInsertIntervalOutOfOrder(t *testing.T) {
	p := &productState{prodSize: 100}
	p.writeRange(50, make([]byte, 10))
	p.writeRange(0, make([]byte, 10))
	p.writeRange(10, make([]byte, 40))
	assert.Equal(t, []interval{{start: 0, end: 60}}, p.received)
}

func TestZeroSizeProductIsComplete(t *testing.T) {
	p := &productState{prodSize: 0}
	assert.True(t, p.complete())
}
