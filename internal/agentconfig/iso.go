package agentconfig

import (
	"bytes"
	"fmt"

	"github.com/kdomanski/iso9660"
)

const (
	// VolumeLabel identifies the drive to the agent's boot scripts.
	VolumeLabel = "KILNCFG"

	// DriveFile is the properties file name on the drive. The image carries
	// plain ISO9660 names only, lower-cased and with the extension cut to
	// eight characters, so the name is chosen to pass through unchanged.
	DriveFile = "agent.prp"
)

// GenerateISO creates the configuration drive image for one instance.
//
// The image holds a single file, DriveFile, in its root directory. Returns
// the ISO image as a byte slice, ready to be uploaded to
// libvirt storage.
func GenerateISO(u UserData, instanceName, imageID string) ([]byte, error) {
	props, err := u.Properties(instanceName, imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to render agent properties: %w", err)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		// The image is already in memory; cleanup only removes staging files.
		_ = writer.Cleanup()
	}()

	if err := writer.AddFile(bytes.NewReader(props), DriveFile); err != nil {
		return nil, fmt.Errorf("failed to add %s: %w", DriveFile, err)
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, VolumeLabel); err != nil {
		return nil, fmt.Errorf("failed to write ISO image: %w", err)
	}

	return buf.Bytes(), nil
}
