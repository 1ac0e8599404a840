package config

import "fmt"

// Node describes a physical storage of a virtual storage and the address it is reachable at.
type Node struct {
	Storage string `toml:"storage,omitempty"`
	Address string `toml:"address,omitempty"`
}

// String prints out the node attributes.
func (n Node) String() string {
	return fmt.Sprintf("storage_name: %s, address: %s", n.Storage, n.Address)
}
