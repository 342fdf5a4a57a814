// Package storage provides the libvirt volume operations kiln needs for
// clones.
//
// A clone gets a private copy of every template disk, created in the same
// pool as the source volume with StorageVolCreateXMLFrom, plus an optional
// configuration drive created next to its first disk. Volumes are addressed
// by VolumeRef: an absolute host path for file-backed disks, or pool and
// name for disks of type "volume".
//
// Volume Naming Convention:
//
// Every volume kiln creates for a clone is named "{vm-name}_..." (see the
// naming package). Teardown only deletes volumes carrying that prefix, so
// shared volumes such as installer ISOs attached to the template survive.
//
// Consumer-Side Interface:
//
// Manager depends on the LibvirtClient interface rather than
// *libvirt.Libvirt, so tests can substitute an in-memory pool.
package storage
