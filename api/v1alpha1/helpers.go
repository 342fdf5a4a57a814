package v1alpha1

const (
	// GroupName is the API group for kiln resources.
	GroupName = "kiln.cofront.xyz"

	// Version is the API version.
	Version = "v1alpha1"

	ImageKind             = "Image"
	InstanceKind          = "Instance"
	TerminationReportKind = "TerminationReport"
	InstanceEventKind     = "InstanceEvent"
)

func typeMeta(kind string) TypeMeta {
	return TypeMeta{APIVersion: GroupName + "/" + Version, Kind: kind}
}

// NewImage creates an Image with TypeMeta defaults.
func NewImage(id, name string) Image {
	return Image{TypeMeta: typeMeta(ImageKind), ID: id, Name: name}
}

// NewInstance creates an Instance with TypeMeta defaults. The tag set is
// initialised to exactly {imageID}.
func NewInstance(id, name, imageID string) Instance {
	return Instance{
		TypeMeta: typeMeta(InstanceKind),
		ID:       id,
		Name:     name,
		ImageID:  imageID,
		Tags:     []string{imageID},
	}
}

// NewTerminationReport creates an empty report stamped with the current time.
func NewTerminationReport(instanceID string) *TerminationReport {
	return &TerminationReport{
		TypeMeta:   typeMeta(TerminationReportKind),
		InstanceID: instanceID,
		StartedAt:  Now(),
	}
}

// Finish stamps the report's completion time.
func (r *TerminationReport) Finish() {
	r.FinishedAt = Now()
}

// SetDefaultAPIVersion fills in apiVersion and kind when missing, e.g. on
// objects decoded from files written by hand.
func SetDefaultAPIVersion(meta *TypeMeta, kind string) {
	if meta.APIVersion == "" {
		meta.APIVersion = GroupName + "/" + Version
	}
	if meta.Kind == "" {
		meta.Kind = kind
	}
}

// IsUsable reports whether an instance in this status can host a build.
func (s InstanceStatus) IsUsable() bool {
	return s == InstanceRunning
}

// String implements fmt.Stringer.
func (s InstanceStatus) String() string {
	return string(s)
}
