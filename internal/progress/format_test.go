package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", FormatBytes(0))
	assert.Equal(t, "150 B", FormatBytes(150))
	assert.Equal(t, "1.00 KiB", FormatBytes(1024))
	assert.Equal(t, "1.50 MiB", FormatBytes(3*512*1024))
	assert.Equal(t, "2.00 GiB", FormatBytes(2*1024*1024*1024))
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "-", FormatRate(0))
	assert.Equal(t, "2.00 KiB/s", FormatRate(2048))
}
