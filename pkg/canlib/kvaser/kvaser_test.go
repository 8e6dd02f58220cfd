//go:build kvaser

package kvaser

import (
	"testing"

	"github.com/samsamfire/canhost/pkg/canlib"
	"github.com/stretchr/testify/assert"
)

// These tests need canlib installed, virtual channels are enough

func TestConnect(t *testing.T) {
	drv, err := NewKvaserDriver()
	assert.Nil(t, err)
	drv.InitializeLibrary()
	h := drv.OpenChannel(0, canlib.OpenAcceptVirtual|canlib.OpenOverrideExclusive)
	assert.True(t, h.Valid())
	assert.Equal(t, canlib.StatusOK, drv.SetBusParams(h, canlib.Bitrate500K, 0, 0, 0, 0))
	assert.Equal(t, canlib.StatusOK, drv.BusOn(h))
	assert.Equal(t, canlib.StatusOK, drv.BusOff(h))
	assert.Equal(t, canlib.StatusOK, drv.Close(h))
}

func TestSendRead(t *testing.T) {
	drv, _ := NewKvaserDriver()
	drv.InitializeLibrary()
	sender := drv.OpenChannel(0, canlib.OpenAcceptVirtual|canlib.OpenRequireInitAccess)
	reader := drv.OpenChannel(0, canlib.OpenAcceptVirtual|canlib.OpenNoInitAccess)
	assert.True(t, sender.Valid())
	assert.True(t, reader.Valid())
	defer drv.Close(sender)
	defer drv.Close(reader)
	drv.SetBusParams(sender, canlib.Bitrate500K, 0, 0, 0, 0)
	drv.BusOn(sender)
	drv.BusOn(reader)

	for i := uint32(0); i < 100; i++ {
		var data [8]byte
		data[0] = 10 + uint8(i)
		data[7] = 20 + uint8(i)
		assert.Equal(t, canlib.StatusOK, drv.Write(sender, i, &data, 8, 0x2))
	}
	var buf [8]byte
	for i := uint32(0); i < 100; i++ {
		info, status := drv.ReadWait(reader, &buf, 500)
		assert.Equal(t, canlib.StatusOK, status)
		assert.Equal(t, 8, info.DLC)
		assert.Equal(t, i, info.ID)
		assert.Equal(t, 10+uint8(i), buf[0])
	}
}

func TestKvaserErrorText(t *testing.T) {
	assert.Equal(t, "Specified device not found", ErrorText(canlib.StatusNotFound))
	assert.Equal(t, "Specified device not found (-3)", canlib.StatusNotFound.Err().Error())
}

func TestUtils(t *testing.T) {
	version := Version()
	assert.NotEqual(t, "0.0", version)
	assert.NotEqual(t, ".", version)
	channels := NbChannels()
	assert.NotEqual(t, 0, channels)
}

func TestRegistered(t *testing.T) {
	drv, err := canlib.NewDriver("kvaser")
	assert.Nil(t, err)
	assert.IsType(t, &Driver{}, drv)
}
