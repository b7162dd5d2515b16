// Package libvirt implements the engine provider on top of libvirt's RPC
// protocol. Pool VMs are linked qcow2 clones of a template domain, tagged
// with the pool name in the domain metadata.
package libvirt

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/warmpool/warmpool/pkg/config"
	"github.com/warmpool/warmpool/pkg/engine"
	"github.com/warmpool/warmpool/pkg/telemetry"
)

// Kind is the provider kind used in pool configuration.
const Kind = "libvirt"

// MetadataNamespace scopes the pool tag in domain metadata.
const MetadataNamespace = "https://warmpool.dev/xmlns/pool/1.0"

// DefaultStoragePool holds clone volumes when a pool sets no datastore.
const DefaultStoragePool = "default"

// virDomainState names, indexed by state number.
var domainStates = []string{"nostate", "running", "blocked", "paused", "shutdown", "shutoff", "crashed", "pmsuspended"}

const stateRunning = 1

// Provider manages pool VMs on one libvirt host.
type Provider struct {
	conn   *ConnManager
	dial   func(ctx context.Context) (client, error)
	pools  map[string]config.Pool
	logger *telemetry.Logger
}

var (
	_ engine.Provider     = (*Provider)(nil)
	_ engine.DiskAttacher = (*Provider)(nil)
	_ engine.Snapshotter  = (*Provider)(nil)
)

// New returns a provider for the pools that use it. The connection is opened lazily.
func New(cfg config.LibvirtConfig, pools []config.Pool, logger *telemetry.Logger) *Provider {
	logger = logger.NewComponentLogger("provider").WithProvider(Kind)
	conn := NewConnManager(cfg.URI, cfg.Timeout, cfg.RetryWait, logger)
	p := newProvider(func(ctx context.Context) (client, error) {
		l, err := conn.Client(ctx)
		if err != nil {
			return nil, engine.NewTransientError("connect", err)
		}
		return session{l: l}, nil
	}, pools, logger)
	p.conn = conn
	return p
}

func newProvider(dial func(context.Context) (client, error), pools []config.Pool, logger *telemetry.Logger) *Provider {
	byName := make(map[string]config.Pool, len(pools))
	for _, pool := range pools {
		if pool.Provider == Kind {
			byName[pool.Name] = pool
		}
	}
	return &Provider{dial: dial, pools: byName, logger: logger}
}

// Name implements engine.Provider.
func (p *Provider) Name() string { return Kind }

// Clone implements engine.Provider. The VM is registered once its domain is
// defined; any failure before that removes the clone volume again.
func (p *Provider) Clone(ctx context.Context, req engine.CloneRequest, tracker engine.CloneTracker) error {
	pool, ok := p.pools[req.Pool]
	if !ok {
		return engine.NewPermanentError("clone", fmt.Errorf("pool %s is not served by libvirt", req.Pool))
	}
	if pool.Template == "" {
		return engine.NewPermanentError("clone", fmt.Errorf("pool %s has no template", req.Pool))
	}
	c, err := p.dial(ctx)
	if err != nil {
		return err
	}

	tpl, err := c.DomainLookupByName(pool.Template)
	if err != nil {
		if isNotFound(err) {
			return engine.NewPermanentError("clone", fmt.Errorf("template %s not found", pool.Template)).
				WithCode(engine.ErrCodeNotFound)
		}
		return fmt.Errorf("lookup template %s: %w", pool.Template, err)
	}
	desc, err := c.DomainGetXMLDesc(tpl)
	if err != nil {
		return fmt.Errorf("read template %s: %w", pool.Template, err)
	}
	dom := &libvirtxml.Domain{}
	if err := dom.Unmarshal(desc); err != nil {
		return engine.NewPermanentError("clone", fmt.Errorf("parse template %s: %w", pool.Template, err))
	}
	disk := rootDisk(dom)
	if disk == nil {
		return engine.NewPermanentError("clone", fmt.Errorf("template %s has no file-backed disk", pool.Template))
	}

	vol, path, err := p.createOverlay(c, storagePool(pool), req.Name, disk.Source.File.File)
	if err != nil {
		return err
	}
	cleanup := func() {
		if derr := c.StorageVolDelete(vol); derr != nil {
			p.logger.WithVM(req.Name).WithError(derr).Warn("failed to delete clone volume")
		}
	}

	domXML, err := cloneDomainXML(dom, req.Name, req.Pool, path)
	if err != nil {
		cleanup()
		return engine.NewPermanentError("clone", err)
	}
	created, err := c.DomainDefineXML(domXML)
	if err != nil {
		cleanup()
		return fmt.Errorf("define %s: %w", req.Name, err)
	}

	if err := tracker.Registered(ctx, req.Name); err != nil {
		if uerr := c.DomainUndefine(created); uerr != nil {
			p.logger.WithVM(req.Name).WithError(uerr).Warn("failed to undefine unregistered clone")
		}
		cleanup()
		return err
	}

	if err := c.DomainCreate(created); err != nil {
		return fmt.Errorf("start %s: %w", req.Name, err)
	}
	return tracker.Annotate(ctx, req.Name, map[string]string{"hostname": req.Name})
}

// createOverlay creates <name>.qcow2 backed by the template disk at backing.
func (p *Provider) createOverlay(c client, poolName, name, backing string) (golibvirt.StorageVol, string, error) {
	sp, err := c.StoragePoolLookupByName(poolName)
	if err != nil {
		if isNotFound(err) {
			return golibvirt.StorageVol{}, "", engine.NewPermanentError("clone",
				fmt.Errorf("storage pool %s not found", poolName)).WithCode(engine.ErrCodeNotFound)
		}
		return golibvirt.StorageVol{}, "", fmt.Errorf("lookup storage pool %s: %w", poolName, err)
	}

	base, err := c.StorageVolLookupByPath(backing)
	if err != nil {
		return golibvirt.StorageVol{}, "", fmt.Errorf("lookup template volume %s: %w", backing, err)
	}
	capacity, err := c.StorageVolCapacity(base)
	if err != nil {
		return golibvirt.StorageVol{}, "", fmt.Errorf("read template volume %s: %w", backing, err)
	}

	volXML, err := (&libvirtxml.StorageVolume{
		Name:     name + ".qcow2",
		Capacity: &libvirtxml.StorageVolumeSize{Unit: "bytes", Value: capacity},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: "qcow2"},
		},
		BackingStore: &libvirtxml.StorageVolumeBackingStore{
			Path:   backing,
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: "qcow2"},
		},
	}).Marshal()
	if err != nil {
		return golibvirt.StorageVol{}, "", engine.NewPermanentError("clone", err)
	}

	vol, err := c.StorageVolCreateXML(sp, volXML)
	if err != nil {
		return golibvirt.StorageVol{}, "", fmt.Errorf("create volume for %s: %w", name, err)
	}
	path, err := c.StorageVolGetPath(vol)
	if err != nil {
		_ = c.StorageVolDelete(vol)
		return golibvirt.StorageVol{}, "", fmt.Errorf("resolve volume path for %s: %w", name, err)
	}
	return vol, path, nil
}

// cloneDomainXML renames the template, points its root disk at path and
// tags it with the pool.
func cloneDomainXML(tpl *libvirtxml.Domain, name, pool, path string) (string, error) {
	dom := *tpl
	dom.Name = name
	dom.UUID = uuid.New().String()
	dom.ID = nil

	if dom.Devices != nil {
		devices := *dom.Devices
		devices.Disks = append([]libvirtxml.DomainDisk(nil), devices.Disks...)
		for i := range devices.Disks {
			d := &devices.Disks[i]
			if d.Device == "disk" && d.Source != nil && d.Source.File != nil {
				src := *d.Source
				src.File = &libvirtxml.DomainDiskSourceFile{File: path}
				d.Source = &src
				d.BackingStore = nil
				if d.Driver != nil {
					drv := *d.Driver
					drv.Type = "qcow2"
					d.Driver = &drv
				}
				break
			}
		}
		devices.Interfaces = append([]libvirtxml.DomainInterface(nil), devices.Interfaces...)
		for i := range devices.Interfaces {
			devices.Interfaces[i].MAC = nil
		}
		dom.Devices = &devices
	}

	var tag strings.Builder
	tag.WriteString(`<warmpool:pool xmlns:warmpool="` + MetadataNamespace + `">`)
	if err := xml.EscapeText(&tag, []byte(pool)); err != nil {
		return "", err
	}
	tag.WriteString(`</warmpool:pool>`)
	dom.Metadata = &libvirtxml.DomainMetadata{XML: tag.String()}

	return dom.Marshal()
}

func rootDisk(dom *libvirtxml.Domain) *libvirtxml.DomainDisk {
	if dom.Devices == nil {
		return nil
	}
	for i := range dom.Devices.Disks {
		d := &dom.Devices.Disks[i]
		if d.Device == "disk" && d.Source != nil && d.Source.File != nil {
			return d
		}
	}
	return nil
}

// poolTag extracts the pool name from domain metadata, "" when untagged.
func poolTag(dom *libvirtxml.Domain) string {
	if dom.Metadata == nil || dom.Metadata.XML == "" {
		return ""
	}
	dec := xml.NewDecoder(strings.NewReader(dom.Metadata.XML))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Space != MetadataNamespace || start.Name.Local != "pool" {
			continue
		}
		var name string
		if err := dec.DecodeElement(&name, &start); err != nil {
			return ""
		}
		return strings.TrimSpace(name)
	}
}

// Destroy implements engine.Provider. The domain is powered off, undefined
// and every volume named after it is deleted.
func (p *Provider) Destroy(ctx context.Context, vmID, poolName string) error {
	c, err := p.dial(ctx)
	if err != nil {
		return err
	}

	dom, err := c.DomainLookupByName(vmID)
	switch {
	case err == nil:
		state, err := c.DomainGetState(dom)
		if err != nil {
			return fmt.Errorf("read state of %s: %w", vmID, err)
		}
		if state == stateRunning {
			if err := c.DomainDestroy(dom); err != nil && !isNotFound(err) {
				return fmt.Errorf("power off %s: %w", vmID, err)
			}
		}
		if err := c.DomainUndefine(dom); err != nil && !isNotFound(err) {
			return fmt.Errorf("undefine %s: %w", vmID, err)
		}
	case isNotFound(err):
	default:
		return fmt.Errorf("lookup %s: %w", vmID, err)
	}

	return p.deleteVolumes(c, storagePool(p.pools[poolName]), vmID)
}

func (p *Provider) deleteVolumes(c client, poolName, vmID string) error {
	sp, err := c.StoragePoolLookupByName(poolName)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("lookup storage pool %s: %w", poolName, err)
	}
	vols, err := c.StoragePoolListVolumes(sp)
	if err != nil {
		return fmt.Errorf("list volumes in %s: %w", poolName, err)
	}

	var errs []error
	for _, vol := range vols {
		if !ownsVolume(vmID, vol.Name) {
			continue
		}
		if err := c.StorageVolDelete(vol); err != nil && !isNotFound(err) {
			errs = append(errs, fmt.Errorf("delete volume %s: %w", vol.Name, err))
		}
	}
	return errors.Join(errs...)
}

func ownsVolume(vmID, volume string) bool {
	return volume == vmID+".qcow2" || strings.HasPrefix(volume, vmID+"-disk")
}

// FindLight implements engine.Provider.
func (p *Provider) FindLight(ctx context.Context, vmID string) (*engine.Host, error) {
	c, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	dom, err := c.DomainLookupByName(vmID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup %s: %w", vmID, err)
	}
	return hostOf(c, dom)
}

// FindHeavy implements engine.Provider by listing every domain on the host.
func (p *Provider) FindHeavy(ctx context.Context, vmIDs []string) (map[string]*engine.Host, error) {
	c, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	domains, err := c.ConnectListAllDomains()
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}

	wanted := make(map[string]struct{}, len(vmIDs))
	for _, id := range vmIDs {
		wanted[id] = struct{}{}
	}
	hosts := make(map[string]*engine.Host, len(vmIDs))
	for _, dom := range domains {
		if _, ok := wanted[dom.Name]; !ok {
			continue
		}
		h, err := hostOf(c, dom)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		hosts[dom.Name] = h
	}
	return hosts, nil
}

// hostOf reports power state only. libvirt has no guest hostname or boot
// time without a guest agent, so those stay empty.
func hostOf(c client, dom golibvirt.Domain) (*engine.Host, error) {
	state, err := c.DomainGetState(dom)
	if err != nil {
		return nil, fmt.Errorf("read state of %s: %w", dom.Name, err)
	}
	name := "unknown"
	if state >= 0 && int(state) < len(domainStates) {
		name = domainStates[state]
	}
	return &engine.Host{
		ID:         dom.Name,
		PowerState: name,
		PoweredOn:  state == stateRunning,
	}, nil
}

// Inventory implements engine.Provider: every domain tagged with pool.
func (p *Provider) Inventory(ctx context.Context, pool string) (map[string]struct{}, error) {
	c, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	domains, err := c.ConnectListAllDomains()
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}

	ids := make(map[string]struct{})
	for _, d := range domains {
		desc, err := c.DomainGetXMLDesc(d)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", d.Name, err)
		}
		dom := &libvirtxml.Domain{}
		if err := dom.Unmarshal(desc); err != nil {
			p.logger.WithVM(d.Name).WithError(err).Warn("skipping domain with unreadable xml")
			continue
		}
		if poolTag(dom) == pool {
			ids[d.Name] = struct{}{}
		}
	}
	return ids, nil
}

// Ping implements engine.Provider.
func (p *Provider) Ping(ctx context.Context) error {
	if p.conn != nil {
		return p.conn.Ping(ctx)
	}
	c, err := p.dial(ctx)
	if err != nil {
		return err
	}
	_, err = c.ConnectGetLibVersion()
	return err
}

// Reconnect implements engine.Provider.
func (p *Provider) Reconnect(ctx context.Context) error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Reconnect(ctx)
}

// Close implements engine.Provider.
func (p *Provider) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// AttachDisk implements engine.DiskAttacher. The disk is a new qcow2 volume
// in datastore, attached live and persistently on the next free virtio slot.
func (p *Provider) AttachDisk(ctx context.Context, host *engine.Host, sizeGB int, datastore string) error {
	c, err := p.dial(ctx)
	if err != nil {
		return err
	}
	dom, desc, err := lookupXML(c, "attach_disk", host.ID)
	if err != nil {
		return err
	}

	target, index := nextTarget(desc)
	if target == "" {
		return engine.NewPermanentError("attach_disk", fmt.Errorf("%s has no free disk slot", host.ID))
	}

	sp, err := c.StoragePoolLookupByName(datastore)
	if err != nil {
		if isNotFound(err) {
			return engine.NewPermanentError("attach_disk", fmt.Errorf("storage pool %s not found", datastore)).
				WithCode(engine.ErrCodeNotFound)
		}
		return fmt.Errorf("lookup storage pool %s: %w", datastore, err)
	}
	volXML, err := (&libvirtxml.StorageVolume{
		Name:     fmt.Sprintf("%s-disk%d.qcow2", host.ID, index),
		Capacity: &libvirtxml.StorageVolumeSize{Unit: "GiB", Value: uint64(sizeGB)},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: "qcow2"},
		},
	}).Marshal()
	if err != nil {
		return engine.NewPermanentError("attach_disk", err)
	}
	vol, err := c.StorageVolCreateXML(sp, volXML)
	if err != nil {
		return fmt.Errorf("create disk for %s: %w", host.ID, err)
	}
	path, err := c.StorageVolGetPath(vol)
	if err != nil {
		_ = c.StorageVolDelete(vol)
		return fmt.Errorf("resolve disk path for %s: %w", host.ID, err)
	}

	diskXML, err := (&libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
		Source: &libvirtxml.DomainDiskSource{File: &libvirtxml.DomainDiskSourceFile{File: path}},
		Target: &libvirtxml.DomainDiskTarget{Dev: target, Bus: "virtio"},
	}).Marshal()
	if err != nil {
		_ = c.StorageVolDelete(vol)
		return engine.NewPermanentError("attach_disk", err)
	}
	if err := c.DomainAttachDevice(dom, diskXML); err != nil {
		_ = c.StorageVolDelete(vol)
		return fmt.Errorf("attach disk to %s: %w", host.ID, err)
	}
	return nil
}

// nextTarget returns the first unused vdX device and how many disks are attached.
func nextTarget(dom *libvirtxml.Domain) (string, int) {
	used := make(map[string]bool)
	count := 0
	if dom.Devices != nil {
		for _, d := range dom.Devices.Disks {
			if d.Target != nil {
				used[d.Target.Dev] = true
			}
			if d.Device == "disk" {
				count++
			}
		}
	}
	for c := 'a'; c <= 'z'; c++ {
		dev := "vd" + string(c)
		if !used[dev] {
			return dev, count
		}
	}
	return "", count
}

// CreateSnapshot implements engine.Snapshotter.
func (p *Provider) CreateSnapshot(ctx context.Context, host *engine.Host, name string) error {
	c, err := p.dial(ctx)
	if err != nil {
		return err
	}
	dom, _, err := lookupXML(c, "create_snapshot", host.ID)
	if err != nil {
		return err
	}
	snapXML, err := (&libvirtxml.DomainSnapshot{Name: name}).Marshal()
	if err != nil {
		return engine.NewPermanentError("create_snapshot", err)
	}
	if err := c.DomainSnapshotCreate(dom, snapXML); err != nil {
		return fmt.Errorf("snapshot %s: %w", host.ID, err)
	}
	return nil
}

// RevertSnapshot implements engine.Snapshotter.
func (p *Provider) RevertSnapshot(ctx context.Context, host *engine.Host, name string) error {
	c, err := p.dial(ctx)
	if err != nil {
		return err
	}
	dom, _, err := lookupXML(c, "revert_snapshot", host.ID)
	if err != nil {
		return err
	}
	if err := c.DomainSnapshotRevert(dom, name); err != nil {
		if isNotFound(err) {
			return engine.NewPermanentError("revert_snapshot", fmt.Errorf("snapshot %s not found on %s", name, host.ID)).
				WithCode(engine.ErrCodeNotFound)
		}
		return fmt.Errorf("revert %s to %s: %w", host.ID, name, err)
	}
	return nil
}

func lookupXML(c client, op, vmID string) (golibvirt.Domain, *libvirtxml.Domain, error) {
	dom, err := c.DomainLookupByName(vmID)
	if err != nil {
		if isNotFound(err) {
			return dom, nil, engine.NewPermanentError(op, fmt.Errorf("vm %s not found", vmID)).
				WithCode(engine.ErrCodeNotFound)
		}
		return dom, nil, fmt.Errorf("lookup %s: %w", vmID, err)
	}
	desc, err := c.DomainGetXMLDesc(dom)
	if err != nil {
		return dom, nil, fmt.Errorf("read %s: %w", vmID, err)
	}
	parsed := &libvirtxml.Domain{}
	if err := parsed.Unmarshal(desc); err != nil {
		return dom, nil, engine.NewPermanentError(op, fmt.Errorf("parse %s: %w", vmID, err))
	}
	return dom, parsed, nil
}

func storagePool(pool config.Pool) string {
	if pool.Datastore != "" {
		return pool.Datastore
	}
	return DefaultStoragePool
}
