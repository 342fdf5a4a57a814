// Package metadata stores kiln's per-domain record (template flag and tags)
// in libvirt's custom XML metadata element, so the record lives with the
// domain itself and survives restarts of kiln.
package metadata

import (
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/digitalocean/go-libvirt"
)

const (
	// MetadataNamespace is the XML namespace for kiln metadata.
	MetadataNamespace = "http://kiln.cofront.xyz/v1alpha1"

	// MetadataKey is the element prefix libvirt uses for the namespace.
	MetadataKey = "kiln"
)

// LibvirtClient is the subset of *libvirt.Libvirt used by this package.
type LibvirtClient interface {
	DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error
	DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error)
}

// Record is kiln's metadata for one domain.
//
//	<record template="true">
//	  <tag>3f0c2a1e-...</tag>
//	</record>
type Record struct {
	XMLName  xml.Name `xml:"record"`
	Template bool     `xml:"template,attr,omitempty"`
	Tags     []string `xml:"tag"`
}

// Store replaces the kiln record on a domain. The change is applied to the
// persistent definition and, when the domain is running, to the live one.
func Store(l LibvirtClient, domain libvirt.Domain, rec Record) error {
	xmlData, err := xml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata to XML: %w", err)
	}

	err = l.DomainSetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{string(xmlData)},
		libvirt.OptString{MetadataKey},
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil {
		return fmt.Errorf("failed to set libvirt domain metadata: %w", err)
	}

	return nil
}

// Load reads the kiln record from a domain. A domain kiln never touched has
// no record; Load returns a zero Record for it.
func Load(l LibvirtClient, domain libvirt.Domain) (Record, error) {
	xmlStr, err := l.DomainGetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil {
		if isNoMetadata(err) {
			return Record{}, nil
		}
		return Record{}, fmt.Errorf("failed to get libvirt domain metadata: %w", err)
	}

	var rec Record
	if err := xml.Unmarshal([]byte(xmlStr), &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}
	return rec, nil
}

// Update loads the record, applies fn and stores the result.
func Update(l LibvirtClient, domain libvirt.Domain, fn func(*Record)) error {
	rec, err := Load(l, domain)
	if err != nil {
		return err
	}
	fn(&rec)
	return Store(l, domain, rec)
}

// Delete removes kiln metadata from a domain. A domain without a record is
// not an error.
func Delete(l LibvirtClient, domain libvirt.Domain) error {
	// An empty metadata string removes the element.
	err := l.DomainSetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{},
		libvirt.OptString{MetadataKey},
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil && !isNoMetadata(err) {
		return fmt.Errorf("failed to delete libvirt domain metadata: %w", err)
	}
	return nil
}

func isNoMetadata(err error) bool {
	var lerr libvirt.Error
	if errors.As(err, &lerr) {
		return lerr.Code == uint32(libvirt.ErrNoDomainMetadata)
	}
	return false
}
