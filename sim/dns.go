package sim

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
)

// DNS is the global name <-> address registry consulted by virtual hosts.
// Registrations happen during host setup; lookups happen throughout the run.
type DNS struct {
	mu       sync.RWMutex
	byName   map[string]uint32
	byAddr   map[uint32]string
}

// NewDNS creates an empty registry.
func NewDNS() *DNS {
	return &DNS{
		byName: make(map[string]uint32),
		byAddr: make(map[uint32]string),
	}
}

// Register binds name to addr in both directions. A name or address that is
// already bound is rejected.
func (d *DNS) Register(name string, addr net.IP) error {
	key, err := ipKey(addr)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byName[name]; ok {
		return fmt.Errorf("hostname %q is already registered", name)
	}
	if prev, ok := d.byAddr[key]; ok {
		return fmt.Errorf("address %s is already registered to %q", addr, prev)
	}

	d.byName[name] = key
	d.byAddr[key] = name
	return nil
}

// AddressOf resolves a hostname to its address.
func (d *DNS) AddressOf(name string) (net.IP, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	key, ok := d.byName[name]
	if !ok {
		return nil, false
	}
	return keyToIP(key), true
}

// NameOf resolves an address back to its hostname.
func (d *DNS) NameOf(addr net.IP) (string, bool) {
	key, err := ipKey(addr)
	if err != nil {
		return "", false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	name, ok := d.byAddr[key]
	return name, ok
}

// Len reports the number of registered names.
func (d *DNS) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byName)
}

// ipKey converts an IPv4 address to its canonical 32-bit big-endian form.
func ipKey(addr net.IP) (uint32, error) {
	v4 := addr.To4()
	if v4 == nil {
		return 0, fmt.Errorf("address %s is not IPv4", addr)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// keyToIP is the inverse of ipKey.
func keyToIP(key uint32) net.IP {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, key)
	return net.IP(buf)
}
