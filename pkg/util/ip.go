package util

import (
	"fmt"
	"net"
	"strconv"
)

// IsValidIP checks if a string is a valid IPv4 or IPv6 address
func IsValidIP(ipStr string) bool {
	return net.ParseIP(ipStr) != nil
}

// IsValidIPv4CIDR checks if a string is a valid IPv4 CIDR notation
func IsValidIPv4CIDR(cidr string) bool {
	ip, _, err := net.ParseCIDR(cidr)
	return err == nil && ip.To4() != nil
}

// IsValidMAC checks if a string is a 48-bit MAC address. The hardware VTEP
// wildcard "unknown-dst" is accepted for multicast entries.
func IsValidMAC(mac string) bool {
	if mac == UnknownDstMAC {
		return true
	}
	hw, err := net.ParseMAC(mac)
	return err == nil && len(hw) == 6
}

// UnknownDstMAC is the multicast MAC wildcard for BUM traffic.
const UnknownDstMAC = "unknown-dst"

// ValidateVLAN checks that a VLAN ID string is within 0..4095.
func ValidateVLAN(vlan string) error {
	n, err := strconv.Atoi(vlan)
	if err != nil {
		return fmt.Errorf("invalid VLAN %q: %w", vlan, err)
	}
	if n < 0 || n > 4095 {
		return fmt.Errorf("VLAN %d out of range (0-4095)", n)
	}
	return nil
}

// ValidateVNI checks that a tunnel key is a 24-bit VXLAN network identifier.
func ValidateVNI(vni string) error {
	n, err := strconv.Atoi(vni)
	if err != nil {
		return fmt.Errorf("invalid VNI %q: %w", vni, err)
	}
	if n < 1 || n > 16777215 {
		return fmt.Errorf("VNI %d out of range (1-16777215)", n)
	}
	return nil
}
