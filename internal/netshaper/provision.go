// Provisioning of veth pairs and macvlan interfaces for a container's
// network namespace. Adapted from the teacher's network/strategy.go
// registry (NetworkStrategy, GetStrategy/AddStrategy) and
// network/dummy.go's Create/Initialize split — Create runs on the
// host side before the child's namespace exists, Initialize renames
// and addresses the interface once it has been moved inside.
package netshaper

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/vishvananda/netlink"
)

// ErrNotValidStrategyType mirrors the teacher's network/strategy.go
// sentinel, returned when a container's network config names a
// provisioning type this daemon doesn't know.
var ErrNotValidStrategyType = errors.New("not a valid network provisioning type")

// LinkSpec is what the Container passes down for one network
// interface to provision, built from TaskEnv's macvlan/veth specs.
type LinkSpec struct {
	Type       string // "veth" or "macvlan"
	HostName   string
	PeerName   string // name the interface takes inside the container
	MasterIface string // macvlan parent
	MTU        int
	MacAddress string
	Address    *net.IPNet
	Gateway    net.IP
}

// Strategy provisions one kind of container-facing link.
type Strategy interface {
	// Create runs on the host: it creates the host-visible half of
	// the link and moves the container-facing half into the process
	// identified by nsPid's network namespace.
	Create(spec LinkSpec, nsPid int) error
	// Initialize runs inside the container's namespace (after setns):
	// rename to PeerName, set MAC/MTU/address, bring up.
	Initialize(spec LinkSpec) error
}

var (
	strategiesMtx sync.RWMutex
	strategies    = map[string]Strategy{
		"veth":    &vethStrategy{},
		"macvlan": &macvlanStrategy{},
	}
)

func GetStrategy(kind string) (Strategy, error) {
	strategiesMtx.RLock()
	defer strategiesMtx.RUnlock()
	s, ok := strategies[kind]
	if !ok {
		return nil, ErrNotValidStrategyType
	}
	return s, nil
}

func AddStrategy(kind string, s Strategy) {
	strategiesMtx.Lock()
	defer strategiesMtx.Unlock()
	strategies[kind] = s
}

type vethStrategy struct{}

func (vethStrategy) Create(spec LinkSpec, nsPid int) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: spec.HostName, MTU: spec.MTU},
		PeerName:  spec.PeerName,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("add veth pair %s/%s: %w", spec.HostName, spec.PeerName, err)
	}
	peer, err := netlink.LinkByName(spec.PeerName)
	if err != nil {
		return fmt.Errorf("lookup veth peer %s: %w", spec.PeerName, err)
	}
	if err := netlink.LinkSetNsPid(peer, nsPid); err != nil {
		return fmt.Errorf("move %s into ns of pid %d: %w", spec.PeerName, nsPid, err)
	}
	host, err := netlink.LinkByName(spec.HostName)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(host)
}

func (vethStrategy) Initialize(spec LinkSpec) error {
	return initializeLink(spec, spec.PeerName)
}

type macvlanStrategy struct{}

func (macvlanStrategy) Create(spec LinkSpec, nsPid int) error {
	master, err := netlink.LinkByName(spec.MasterIface)
	if err != nil {
		return fmt.Errorf("lookup macvlan master %s: %w", spec.MasterIface, err)
	}
	mv := &netlink.Macvlan{
		LinkAttrs: netlink.LinkAttrs{
			Name:        spec.PeerName,
			ParentIndex: master.Attrs().Index,
			MTU:         spec.MTU,
		},
		Mode: netlink.MACVLAN_MODE_BRIDGE,
	}
	if err := netlink.LinkAdd(mv); err != nil {
		return fmt.Errorf("add macvlan %s on %s: %w", spec.PeerName, spec.MasterIface, err)
	}
	link, err := netlink.LinkByName(spec.PeerName)
	if err != nil {
		return err
	}
	return netlink.LinkSetNsPid(link, nsPid)
}

func (macvlanStrategy) Initialize(spec LinkSpec) error {
	return initializeLink(spec, spec.PeerName)
}

func initializeLink(spec LinkSpec, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("lookup %s inside container ns: %w", name, err)
	}
	if spec.MacAddress != "" {
		mac, err := net.ParseMAC(spec.MacAddress)
		if err != nil {
			return fmt.Errorf("parse mac %s: %w", spec.MacAddress, err)
		}
		if err := netlink.LinkSetHardwareAddr(link, mac); err != nil {
			return err
		}
	}
	if spec.Address != nil {
		if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: spec.Address}); err != nil {
			return fmt.Errorf("add address %s to %s: %w", spec.Address, name, err)
		}
	}
	if spec.MTU != 0 {
		if err := netlink.LinkSetMTU(link, spec.MTU); err != nil {
			return err
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return err
	}
	if spec.Gateway != nil {
		route := &netlink.Route{Gw: spec.Gateway}
		if err := netlink.RouteAdd(route); err != nil {
			return fmt.Errorf("add default gateway %s: %w", spec.Gateway, err)
		}
	}
	return nil
}
