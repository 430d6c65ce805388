package wq

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/geometris/wq/sliceops"
)

const deviceAddressLen = 6

// DeviceAddress is the device's MAC address as "aa:bb:cc:dd:ee:ff".
type DeviceAddress string

// NewDeviceAddress creates a DeviceAddress from string
func NewDeviceAddress(s string) DeviceAddress {
	return DeviceAddress(strings.ToLower(s))
}

// ParseDeviceAddress decodes the raw value of the device address
// characteristic. The device sends the address least significant byte first.
func ParseDeviceAddress(b []byte) (DeviceAddress, error) {
	if len(b) != deviceAddressLen {
		return "", &Error{InvalidParams, fmt.Sprintf("device address length %v, want %v", len(b), deviceAddressLen)}
	}

	rb := sliceops.SwapBuf(b)
	parts := make([]string, 0, len(rb))
	for _, v := range rb {
		parts = append(parts, fmt.Sprintf("%02x", v))
	}

	return DeviceAddress(strings.Join(parts, ":")), nil
}

func (a DeviceAddress) String() string {
	return string(a)
}

// Bytes returns the address in display order.
func (a DeviceAddress) Bytes() []byte {
	hexStr := strings.Replace(a.String(), ":", "", -1)

	out, err := hex.DecodeString(hexStr)
	if err != nil {
		GetLogger().Errorf("error decoding address %v: %v", a.String(), err)
		return nil
	}

	return out
}
