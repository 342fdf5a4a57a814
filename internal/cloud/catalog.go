package cloud

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/hypervisor"
)

// ImageCatalog resolves the configured template into an Image.
type ImageCatalog struct {
	hv         Hypervisor
	templateID string
	retry      RetryPolicy
	log        *zap.Logger
}

// NewImageCatalog creates a catalog serving the single template templateID.
func NewImageCatalog(hv Hypervisor, templateID string, retry RetryPolicy, log *zap.Logger) *ImageCatalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &ImageCatalog{hv: hv, templateID: templateID, retry: retry, log: log}
}

// TemplateID returns the configured template id.
func (c *ImageCatalog) TemplateID() string {
	return c.templateID
}

// List returns the configured Image. It never returns an empty list without
// an error: a missing or unusable template is ErrConfiguration and a failed
// lookup is ErrTransientRPC.
func (c *ImageCatalog) List(ctx context.Context) ([]v1alpha1.Image, error) {
	img, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return []v1alpha1.Image{img}, nil
}

// FindByID returns the Image with the given id. Ids other than the
// configured template report false with a nil error.
func (c *ImageCatalog) FindByID(ctx context.Context, id string) (v1alpha1.Image, bool, error) {
	if id == "" || !strings.EqualFold(id, c.templateID) {
		return v1alpha1.Image{}, false, nil
	}
	img, err := c.resolve(ctx)
	if err != nil {
		return v1alpha1.Image{}, false, err
	}
	return img, true, nil
}

func (c *ImageCatalog) resolve(ctx context.Context) (v1alpha1.Image, error) {
	if c.templateID == "" {
		return v1alpha1.Image{}, configError("cloud.template_id is not set")
	}
	var vm hypervisor.VM
	err := c.retry.read(ctx, func() error {
		var err error
		vm, err = c.hv.GetVM(ctx, c.templateID)
		return err
	})
	if err != nil {
		if hypervisor.IsNotFound(err) {
			return v1alpha1.Image{}, configError("template %s does not exist: %v", c.templateID, err)
		}
		return v1alpha1.Image{}, classify(err, "failed to look up template %s", c.templateID)
	}

	// A domain kiln tagged as a clone is never a valid template.
	if !vm.IsTemplate && len(vm.Tags) > 0 {
		return v1alpha1.Image{}, configError("template %s (%s) is a kiln instance, not a template", c.templateID, vm.Name)
	}

	c.log.Debug("resolved template", zap.String("image_id", vm.ID), zap.String("name", vm.Name))
	return v1alpha1.NewImage(vm.ID, vm.Name), nil
}
