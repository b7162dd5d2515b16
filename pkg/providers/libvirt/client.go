package libvirt

import (
	"errors"

	golibvirt "github.com/digitalocean/go-libvirt"
)

// client is the subset of libvirt RPCs the provider uses. Flags are fixed by
// the session adapter so the provider and its tests never deal with them.
type client interface {
	ConnectGetLibVersion() (uint64, error)
	ConnectListAllDomains() ([]golibvirt.Domain, error)

	DomainLookupByName(name string) (golibvirt.Domain, error)
	DomainGetState(dom golibvirt.Domain) (int32, error)
	DomainGetXMLDesc(dom golibvirt.Domain) (string, error)
	DomainDefineXML(xml string) (golibvirt.Domain, error)
	DomainCreate(dom golibvirt.Domain) error
	DomainDestroy(dom golibvirt.Domain) error
	DomainUndefine(dom golibvirt.Domain) error
	DomainAttachDevice(dom golibvirt.Domain, xml string) error
	DomainSnapshotCreate(dom golibvirt.Domain, xml string) error
	DomainSnapshotRevert(dom golibvirt.Domain, name string) error

	StoragePoolLookupByName(name string) (golibvirt.StoragePool, error)
	StoragePoolListVolumes(pool golibvirt.StoragePool) ([]golibvirt.StorageVol, error)
	StorageVolLookupByName(pool golibvirt.StoragePool, name string) (golibvirt.StorageVol, error)
	StorageVolLookupByPath(path string) (golibvirt.StorageVol, error)
	StorageVolCapacity(vol golibvirt.StorageVol) (uint64, error)
	StorageVolGetPath(vol golibvirt.StorageVol) (string, error)
	StorageVolCreateXML(pool golibvirt.StoragePool, xml string) (golibvirt.StorageVol, error)
	StorageVolDelete(vol golibvirt.StorageVol) error
}

// Device changes apply to both the running guest and its persistent config
// (VIR_DOMAIN_DEVICE_MODIFY_LIVE | VIR_DOMAIN_DEVICE_MODIFY_CONFIG).
const modifyLiveAndConfig = 3

// session adapts a live RPC connection to client.
type session struct {
	l *golibvirt.Libvirt
}

func (s session) ConnectGetLibVersion() (uint64, error) { return s.l.ConnectGetLibVersion() }

func (s session) ConnectListAllDomains() ([]golibvirt.Domain, error) {
	domains, _, err := s.l.ConnectListAllDomains(1, 0)
	return domains, err
}

func (s session) DomainLookupByName(name string) (golibvirt.Domain, error) {
	return s.l.DomainLookupByName(name)
}

func (s session) DomainGetState(dom golibvirt.Domain) (int32, error) {
	state, _, err := s.l.DomainGetState(dom, 0)
	return state, err
}

func (s session) DomainGetXMLDesc(dom golibvirt.Domain) (string, error) {
	return s.l.DomainGetXMLDesc(dom, 0)
}

func (s session) DomainDefineXML(xml string) (golibvirt.Domain, error) {
	return s.l.DomainDefineXML(xml)
}

func (s session) DomainCreate(dom golibvirt.Domain) error  { return s.l.DomainCreate(dom) }
func (s session) DomainDestroy(dom golibvirt.Domain) error { return s.l.DomainDestroy(dom) }

func (s session) DomainUndefine(dom golibvirt.Domain) error {
	return s.l.DomainUndefineFlags(dom, golibvirt.DomainUndefineNvram|golibvirt.DomainUndefineSnapshotsMetadata)
}

func (s session) DomainAttachDevice(dom golibvirt.Domain, xml string) error {
	return s.l.DomainAttachDeviceFlags(dom, xml, modifyLiveAndConfig)
}

func (s session) DomainSnapshotCreate(dom golibvirt.Domain, xml string) error {
	_, err := s.l.DomainSnapshotCreateXML(dom, xml, 0)
	return err
}

func (s session) DomainSnapshotRevert(dom golibvirt.Domain, name string) error {
	snap, err := s.l.DomainSnapshotLookupByName(dom, name, 0)
	if err != nil {
		return err
	}
	return s.l.DomainRevertToSnapshot(snap, 0)
}

func (s session) StoragePoolLookupByName(name string) (golibvirt.StoragePool, error) {
	return s.l.StoragePoolLookupByName(name)
}

func (s session) StoragePoolListVolumes(pool golibvirt.StoragePool) ([]golibvirt.StorageVol, error) {
	vols, _, err := s.l.StoragePoolListAllVolumes(pool, 1, 0)
	return vols, err
}

func (s session) StorageVolLookupByName(pool golibvirt.StoragePool, name string) (golibvirt.StorageVol, error) {
	return s.l.StorageVolLookupByName(pool, name)
}

func (s session) StorageVolLookupByPath(path string) (golibvirt.StorageVol, error) {
	return s.l.StorageVolLookupByPath(path)
}

func (s session) StorageVolCapacity(vol golibvirt.StorageVol) (uint64, error) {
	_, capacity, _, err := s.l.StorageVolGetInfo(vol)
	return capacity, err
}

func (s session) StorageVolGetPath(vol golibvirt.StorageVol) (string, error) {
	return s.l.StorageVolGetPath(vol)
}

func (s session) StorageVolCreateXML(pool golibvirt.StoragePool, xml string) (golibvirt.StorageVol, error) {
	return s.l.StorageVolCreateXML(pool, xml, 0)
}

func (s session) StorageVolDelete(vol golibvirt.StorageVol) error {
	return s.l.StorageVolDelete(vol, 0)
}

// isNotFound reports whether err is a libvirt "no such object" error.
func isNotFound(err error) bool {
	var lerr golibvirt.Error
	if !errors.As(err, &lerr) {
		return false
	}
	switch golibvirt.ErrorNumber(lerr.Code) {
	case golibvirt.ErrNoDomain, golibvirt.ErrNoStorageVol, golibvirt.ErrNoStoragePool, golibvirt.ErrNoDomainSnapshot:
		return true
	}
	return false
}
